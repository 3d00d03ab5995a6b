package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
)

// Name for the isolated worlds the probes run in, so repeated probes reuse
// the same world instead of piling up fresh ones.
const probeWorldName = "__talon_probe__"

// Scope identifies one nested frame of the working tab.
type Scope struct {
	FrameID cdp.FrameID
	URL     string
}

// Scopes returns the working tab's nested frames in document order. The top
// document is not included; callers address it through Evaluate.
func (s *Session) Scopes(ctx context.Context) ([]Scope, error) {
	var scopes []Scope
	err := s.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		tree, err := page.GetFrameTree().Do(c)
		if err != nil {
			return fmt.Errorf("reading frame tree: %w", err)
		}
		collectFrames(tree, &scopes, true)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return scopes, nil
}

func collectFrames(node *page.FrameTree, out *[]Scope, isRoot bool) {
	if node == nil {
		return
	}
	if !isRoot && node.Frame != nil {
		*out = append(*out, Scope{FrameID: node.Frame.ID, URL: node.Frame.URL})
	}
	for _, child := range node.ChildFrames {
		collectFrames(child, out, false)
	}
}

// EvalIn runs JavaScript inside a nested frame through an isolated world and
// unmarshals the result into out when out is non-nil. Frames hosted
// out-of-process can refuse the world creation; callers treat that as the
// frame being unreachable.
func (s *Session) EvalIn(ctx context.Context, scope Scope, js string, out interface{}) error {
	return s.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		worldID, err := page.CreateIsolatedWorld(scope.FrameID).
			WithWorldName(probeWorldName).
			Do(c)
		if err != nil {
			return fmt.Errorf("creating isolated world in frame %s: %w", scope.FrameID, err)
		}

		obj, exc, err := runtime.Evaluate(js).
			WithContextID(worldID).
			WithReturnByValue(true).
			Do(c)
		if err != nil {
			return fmt.Errorf("evaluating in frame %s: %w", scope.FrameID, err)
		}
		if exc != nil {
			return fmt.Errorf("script failed in frame %s: %w", scope.FrameID, exc)
		}
		if out == nil || obj == nil || obj.Value == nil {
			return nil
		}
		return json.Unmarshal(obj.Value, out)
	}))
}
