package protocol

import (
	"strconv"
)

// Request is the typed record produced by ParseArgs.
type Request struct {
	Verb        string
	JobKey      string
	Input       string
	Output      string
	ErrMsg      string
	ProgressMsg string
	Affinity    string
	Queue       string
	Option      string
	Status      string
	RetCode     int
	Port        int
	Timeout     int
	Mask        int
	Count       int

	// Raw holds the values bound from tokens (defaults are not recorded).
	Raw map[Field]string
}

// Has reports whether f was bound from an actual token.
func (r *Request) Has(f Field) bool {
	_, ok := r.Raw[f]
	return ok
}

// matches reports whether tok can bind to a.
//
// Key descriptors match on the key name; a key="str" descriptor also takes
// bare and integer values. An id descriptor also takes integer tokens so
// bare numeric job keys are accepted.
func (a ArgDesc) matches(tok Token) bool {
	if a.Type.IsKey() {
		if !tok.Type.IsKey() {
			return false
		}
		key, _ := GetValue(tok)
		if key != a.Key {
			return false
		}
		switch a.Type {
		case TokKeyStr:
			return true
		case TokKeyInt:
			return tok.Type == TokKeyInt
		default:
			return tok.Type != TokKeyStr
		}
	}
	if a.Type == TokID {
		return tok.Type == TokID || tok.Type == TokInt
	}
	return tok.Type == a.Type
}

func (a ArgDesc) name() string {
	if a.Key != "" {
		return a.Key
	}
	return a.Field.String()
}

// ParseArgs binds the remaining tokens of tz against desc.Args.
//
// The returned Request holds whatever was bound before a failure so callers
// can log it; the error is always a *Error with CodeSyntax.
func ParseArgs(desc *CommandDesc, tz *Tokenizer) (Request, error) {
	r := Request{Verb: desc.Verb, Raw: make(map[Field]string)}
	args := desc.Args
	tok := tz.Next()

	for i := 0; i < len(args); {
		if tok.Type == TokError {
			return r, Errorf(CodeSyntax, "malformed token in %s", desc.Verb)
		}
		a := args[i]
		if tok.Type != TokNone && a.matches(tok) {
			_, v := GetValue(tok)
			if err := r.bind(a.Field, v); err != nil {
				return r, err
			}
			r.Raw[a.Field] = v
			i++
			tok = tz.Next()
			continue
		}
		switch a.Kind {
		case Required:
			return r, Errorf(CodeSyntax, "%s: missing required argument %s", desc.Verb, a.name())
		case Optional:
			if err := r.bind(a.Field, a.Default); err != nil {
				return r, err
			}
			i++
		case OptionalChain:
			for i < len(args) && args[i].Kind == OptionalChain {
				if err := r.bind(args[i].Field, args[i].Default); err != nil {
					return r, err
				}
				i++
			}
		}
	}

	switch tok.Type {
	case TokNone:
		return r, nil
	case TokError:
		return r, Errorf(CodeSyntax, "malformed token in %s", desc.Verb)
	default:
		return r, Errorf(CodeSyntax, "%s: unexpected argument %q", desc.Verb, string(tok.Value))
	}
}

func (r *Request) bind(f Field, v string) error {
	if f.isInt() {
		n := 0
		if v != "" {
			var err error
			n, err = strconv.Atoi(v)
			if err != nil {
				return Errorf(CodeSyntax, "%s: %s is not an integer", r.Verb, f)
			}
		}
		switch f {
		case FieldRetCode:
			r.RetCode = n
		case FieldPort:
			r.Port = n
		case FieldTimeout:
			r.Timeout = n
		case FieldMask:
			r.Mask = n
		case FieldCount:
			r.Count = n
		}
		return nil
	}
	switch f {
	case FieldJobKey:
		r.JobKey = v
	case FieldInput:
		r.Input = v
	case FieldOutput:
		r.Output = v
	case FieldErrMsg:
		r.ErrMsg = v
	case FieldProgressMsg:
		r.ProgressMsg = v
	case FieldAffinity:
		r.Affinity = v
	case FieldQueue:
		r.Queue = v
	case FieldOption:
		r.Option = v
	case FieldStatus:
		r.Status = v
	}
	return nil
}
