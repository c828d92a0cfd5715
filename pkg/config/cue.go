package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/openfroyo/devstate/pkg/engine"
)

// evaluateCUE evaluates a CUE manifest and exports it as JSON. The result
// must be fully concrete. Field order is preserved by the export.
func evaluateCUE(src []byte, filename string) ([]byte, error) {
	ctx := cuecontext.New()

	val := ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cueError("CUE evaluation failed", filename, err)
	}

	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError("CUE manifest is not concrete", filename, err)
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return nil, cueError("CUE export failed", filename, err)
	}
	return data, nil
}

// cueError converts CUE errors into a ParseError listing each position.
func cueError(message, filename string, err error) error {
	var lines []string
	for _, e := range errors.Errors(err) {
		detail := strings.TrimSpace(errors.Details(e, nil))
		if pos := errors.Positions(e); len(pos) > 0 {
			detail = fmt.Sprintf("%d:%d: %s", pos[0].Line(), pos[0].Column(), detail)
		}
		lines = append(lines, detail)
	}
	if len(lines) == 0 {
		lines = append(lines, err.Error())
	}

	return engine.NewPermanentError(message, fmt.Errorf("%s", strings.Join(lines, "; "))).
		WithCode(engine.ErrCodeParse).
		WithResource(filename)
}
