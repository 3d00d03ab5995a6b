package cascade

import (
	"fmt"

	json "github.com/json-iterator/go"
)

// probeResult is what the in-page probes report back. Tag is only set by
// top-document probes, which mark the element for a follow-up trusted
// click; frame probes click in place and set Clicked instead.
type probeResult struct {
	Matched bool   `json:"matched"`
	Clicked bool   `json:"clicked"`
	Tag     string `json:"tag"`
	Text    string `json:"text"`
	Role    string `json:"role"`
}

func (r probeResult) describe() string {
	if r.Text == "" {
		return r.Role
	}
	return fmt.Sprintf("%s %q", r.Role, r.Text)
}

// probeHelpers are shared by every probe script: visibility and disabled
// filtering plus the normalized label haystack for an element.
const probeHelpers = `
    const isVisible = (el) => {
        const style = window.getComputedStyle(el);
        if (style.visibility === 'hidden' || style.display === 'none' || style.opacity === '0') return false;
        const rect = el.getBoundingClientRect();
        return rect.width > 0 && rect.height > 0;
    };
    const isDisabled = (el) => el.disabled || el.getAttribute('aria-disabled') === 'true';
    const haystack = (el) => {
        const text = (el.innerText || el.textContent || '');
        const aria = el.getAttribute('aria-label') || '';
        const title = el.getAttribute('title') || '';
        return (text + ' ' + aria + ' ' + title).replace(/\s+/g, ' ').trim().toLowerCase();
    };
    const controls = () => Array.from(document.querySelectorAll(
        'a, button, [role="button"], [role="menuitem"], [role="option"], [onclick], input[type="button"], input[type="submit"], summary'
    ));
    const freshTag = () => 'talon-' + Date.now() + '-' + Math.random().toString(36).slice(2, 10);
    const describe = (el) => el.getAttribute('role') || el.tagName.toLowerCase();
`

// findControlScript locates the first visible control matching a label, in
// label priority order, and tags it for a trusted click from outside.
const findControlScript = `(() => {
    const labels = %s;
    const attr = %q;` + probeHelpers + `
    const candidates = controls().filter((el) => isVisible(el) && !isDisabled(el));
    for (const label of labels) {
        for (const el of candidates) {
            const hay = haystack(el);
            if (hay && hay.includes(label)) {
                const tag = freshTag();
                el.setAttribute(attr, tag);
                return { matched: true, tag: tag, text: hay.slice(0, 80), role: describe(el) };
            }
        }
    }
    return { matched: false };
})()`

// clickControlScript is the in-frame variant: isolated-world scripts cannot
// hand a selector back for an outside click, so the probe clicks in place.
const clickControlScript = `(() => {
    const labels = %s;` + probeHelpers + `
    const candidates = controls().filter((el) => isVisible(el) && !isDisabled(el));
    for (const label of labels) {
        for (const el of candidates) {
            const hay = haystack(el);
            if (hay && hay.includes(label)) {
                el.click();
                return { matched: true, clicked: true, text: hay.slice(0, 80), role: describe(el) };
            }
        }
    }
    return { matched: false };
})()`

// queryClickScript is the last-resort sweep. It drops the visibility filter
// so controls folded into collapsed menus still fire, and clicks in place.
const queryClickScript = `(() => {
    const labels = %s;` + probeHelpers + `
    const candidates = controls().filter((el) => !isDisabled(el));
    for (const label of labels) {
        for (const el of candidates) {
            const hay = haystack(el);
            if (hay && hay.includes(label)) {
                el.click();
                return { matched: true, clicked: true, text: hay.slice(0, 80), role: describe(el) };
            }
        }
    }
    return { matched: false };
})()`

// findOverflowScript hunts the kebab: an icon-only control rendered as a
// vertical-dots glyph or labelled through aria as a catch-all menu.
const findOverflowScript = `(() => {
    const attr = %q;` + probeHelpers + `
    const glyphs = ['⋮', '⋯', '…', '···'];
    const hints = ['more', 'options', 'actions', 'menu'];
    const candidates = controls().filter((el) => isVisible(el) && !isDisabled(el));
    for (const el of candidates) {
        const text = (el.innerText || '').trim();
        const aria = ((el.getAttribute('aria-label') || '') + ' ' + (el.getAttribute('title') || '')).toLowerCase();
        const iconish = text.length <= 2;
        const popup = el.getAttribute('aria-haspopup');
        const matched = glyphs.includes(text) ||
            (iconish && hints.some((h) => aria.includes(h))) ||
            (iconish && (popup === 'true' || popup === 'menu'));
        if (!matched) continue;
        const tag = freshTag();
        el.setAttribute(attr, tag);
        return { matched: true, tag: tag, text: (text || aria).slice(0, 80), role: describe(el) };
    }
    return { matched: false };
})()`

const clickOverflowScript = `(() => {` + probeHelpers + `
    const glyphs = ['⋮', '⋯', '…', '···'];
    const hints = ['more', 'options', 'actions', 'menu'];
    const candidates = controls().filter((el) => isVisible(el) && !isDisabled(el));
    for (const el of candidates) {
        const text = (el.innerText || '').trim();
        const aria = ((el.getAttribute('aria-label') || '') + ' ' + (el.getAttribute('title') || '')).toLowerCase();
        const iconish = text.length <= 2;
        const popup = el.getAttribute('aria-haspopup');
        const matched = glyphs.includes(text) ||
            (iconish && hints.some((h) => aria.includes(h))) ||
            (iconish && (popup === 'true' || popup === 'menu'));
        if (!matched) continue;
        el.click();
        return { matched: true, clicked: true, text: (text || aria).slice(0, 80), role: describe(el) };
    }
    return { matched: false };
})()`

// dismissOverlayScript clicks dismissal controls, but only ones sitting
// inside something that presents as an overlay. That keeps broad labels
// like "close" from hitting ordinary page chrome.
const dismissOverlayScript = `(() => {
    const labels = %s;` + probeHelpers + `
    const inOverlay = (el) => {
        for (let node = el; node && node !== document.documentElement; node = node.parentElement) {
            if (node.getAttribute && (node.getAttribute('role') === 'dialog' || node.getAttribute('aria-modal') === 'true')) return true;
            const style = window.getComputedStyle(node);
            if (style.position === 'fixed' && parseInt(style.zIndex, 10) >= 100) return true;
        }
        return false;
    };
    const candidates = controls().filter((el) => isVisible(el) && !isDisabled(el));
    let dismissed = 0;
    for (const label of labels) {
        for (const el of candidates) {
            const hay = haystack(el);
            if (hay && hay.includes(label) && inOverlay(el)) {
                el.click();
                dismissed += 1;
                if (dismissed >= 3) return dismissed;
            }
        }
    }
    return dismissed;
})()`

func findControlJS(labels []string) (string, error) {
	arg, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(findControlScript, arg, tagAttribute), nil
}

func clickControlJS(labels []string) (string, error) {
	arg, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(clickControlScript, arg), nil
}

func queryClickJS(labels []string) (string, error) {
	arg, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(queryClickScript, arg), nil
}

func findOverflowJS() string {
	return fmt.Sprintf(findOverflowScript, tagAttribute)
}

func clickOverflowJS() string {
	return clickOverflowScript
}

func dismissOverlayJS(labels []string) (string, error) {
	arg, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(dismissOverlayScript, arg), nil
}

func cleanupTagJS(selector string) string {
	return fmt.Sprintf(`document.querySelector('%s')?.removeAttribute('%s')`, selector, tagAttribute)
}
