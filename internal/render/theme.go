package render

// Theme holds colors for graph rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string

	// Control-flow edges.
	EdgeFlow        string // unconditional / fallthrough
	EdgeTaken       string // conditional branch taken
	EdgeFallthrough string // conditional branch not taken

	// Unwind edges by action kind.
	EdgeCleanup string
	EdgeCatch   string

	// Node accents.
	EntryBorder string // function entry block
	TermFill    string // blocks ending in RET
	PadFill     string // landing pads
	NoPadText   string // call sites without a landing pad

	// Cluster styling.
	ClusterBorder string // subgraph cluster border
	ClusterLabel  string // subgraph cluster label text
}

// NASA is the NASA/Bauhaus theme: geometric, monochrome, sparse color.
var NASA = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",

	EdgeFlow:        "#424242", // dark gray
	EdgeTaken:       "#0B3D91", // NASA blue
	EdgeFallthrough: "#9E9E9E", // gray

	EdgeCleanup: "#00695C", // teal
	EdgeCatch:   "#FC3D21", // NASA red

	EntryBorder: "#0B3D91",
	TermFill:    "#ECEFF1", // blue-gray 50
	PadFill:     "#FFF3E0", // orange 50
	NoPadText:   "#9E9E9E",

	ClusterBorder: "#BDBDBD",
	ClusterLabel:  "#757575",
}
