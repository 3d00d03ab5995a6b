package cascade

// Capability names what activating a control is expected to do.
type Capability int

const (
	// TriggerExport starts the CSV download outright.
	TriggerExport Capability = iota
	// OpenExportMenu reveals a menu expected to contain a trigger.
	OpenExportMenu
	// DismissOverlay closes a blocking surface such as a cookie banner or
	// promo modal.
	DismissOverlay
)

// Synonym binds a lowercased label fragment to a capability. Probes match
// fragments against an element's text, aria-label, and title, so entries
// must stay lowercase.
type Synonym struct {
	Label      string
	Capability Capability
}

// DefaultTable is the built-in label table. Order is priority order: for a
// given capability, earlier entries are tried against the whole document
// before later ones, so the most specific labels come first. Bare "export"
// and "download" open menus rather than trigger downloads; dashboards that
// label a direct download that way still get caught by the final query
// sweep, which combines both sets.
func DefaultTable() []Synonym {
	return []Synonym{
		{"download csv", TriggerExport},
		{"export csv", TriggerExport},
		{"export to csv", TriggerExport},
		{"download report", TriggerExport},
		{"export transactions", TriggerExport},
		{"download transactions", TriggerExport},
		{"export earnings", TriggerExport},
		{"earnings report", TriggerExport},
		{".csv", TriggerExport},
		{"csv", TriggerExport},

		{"export options", OpenExportMenu},
		{"download options", OpenExportMenu},
		{"more actions", OpenExportMenu},
		{"export", OpenExportMenu},
		{"download", OpenExportMenu},

		{"accept all", DismissOverlay},
		{"accept cookies", DismissOverlay},
		{"accept", DismissOverlay},
		{"got it", DismissOverlay},
		{"i agree", DismissOverlay},
		{"allow all", DismissOverlay},
		{"no thanks", DismissOverlay},
		{"maybe later", DismissOverlay},
		{"dismiss", DismissOverlay},
		{"close", DismissOverlay},
	}
}

// Labels extracts one capability's labels from the table, preserving
// priority order.
func Labels(table []Synonym, capability Capability) []string {
	var out []string
	for _, s := range table {
		if s.Capability == capability {
			out = append(out, s.Label)
		}
	}
	return out
}
