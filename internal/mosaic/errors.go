package mosaic

import "fmt"

// ConfigError reports an unusable combination of options, such as a missing
// output path.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// UnsupportedDriverError reports a requested output driver the engine has no
// default creation options for.
type UnsupportedDriverError struct {
	Driver string
}

func (e *UnsupportedDriverError) Error() string {
	return fmt.Sprintf("no default creation options for driver %q; pass explicit creation options", e.Driver)
}

// BlockShapeMismatchError reports two contributors for the same output block
// arriving with different shapes. This indicates a planner bug or a corrupt
// input, and is always fatal.
type BlockShapeMismatchError struct {
	Block BlockSpec
	Files []string
	Want  [2]int // xsize, ysize
	Got   [2]int
}

func (e *BlockShapeMismatchError) Error() string {
	return fmt.Sprintf("block shape mismatch at block %s: %dx%d != %dx%d (inputs %v)",
		e.Block, e.Got[0], e.Got[1], e.Want[0], e.Want[1], e.Files)
}
