package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/converge/internal/engine"
)

// CompileFile reads one CUE file and compiles the modules it declares.
// Error positions carry the file name.
func CompileFile(path string, funcs *Funcs) ([]engine.ModuleDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	return Compile(v, funcs)
}
