package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// requestMessages maps a command to the message sent when its payload is
// incomplete.
var requestMessages = map[string]string{
	"graph:clear":         "No graph ID provided",
	"graph:addnode":       "No ID or component supplied",
	"graph:removenode":    "No ID supplied",
	"graph:renamenode":    "No from or to supplied",
	"graph:changenode":    "No id or metadata supplied",
	"graph:addedge":       "No src or tgt supplied",
	"graph:removeedge":    "No src or tgt supplied",
	"graph:changeedge":    "No src or tgt supplied",
	"graph:addinitial":    "No src or tgt supplied",
	"graph:removeinitial": "No tgt supplied",
	"graph:addinport":     "Missing exported inport information",
	"graph:removeinport":  "Missing exported inport name",
	"graph:renameinport":  "No from or to supplied",
	"graph:addoutport":    "Missing exported outport information",
	"graph:removeoutport": "Missing exported outport name",
	"graph:renameoutport": "No from or to supplied",
	"graph:addgroup":      "No name or nodes or metadata supplied",
	"graph:removegroup":   "No name supplied",
	"graph:renamegroup":   "No from or to supplied",
	"graph:changegroup":   "No name or metadata supplied",
	"runtime:packet":      "No port or event supplied",
	"component:source":    "No name or code supplied",
	"component:getsource": "No component name supplied",
}

// decodeRequest decodes raw into v and checks its validate tags. Failures
// carry the command's client-facing message; field details stay in Err.
func decodeRequest(command string, raw json.RawMessage, v any) error {
	msg, ok := requestMessages[command]
	if !ok {
		msg = "Invalid payload for " + command
	}
	if err := decode(raw, v); err != nil {
		return &Error{Kind: KindValidation, Message: msg, Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &Error{Kind: KindValidation, Message: msg, Err: formatValidationError(err)}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, e := range verrs {
		parts = append(parts, formatFieldError(e))
	}
	return errors.New(strings.Join(parts, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
