package api

import "errors"

// GeneralField is the slot for messages that do not belong to a known field.
const GeneralField = "general"

// FormErrors maps an error onto the fields of a form.
type FormErrors map[string]string

// MapFormErrors spreads the messages of a validation error across the given
// form fields. Messages for unknown fields, and non-validation errors, land
// in [GeneralField]. A nil err yields nil.
func MapFormErrors(err error, fields ...string) FormErrors {
	if err == nil {
		return nil
	}

	out := FormErrors{}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		out[GeneralField] = Message(err)
		return out
	}

	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f] = true
	}
	for _, name := range ve.FieldNames() {
		msg := ve.Field(name)
		if known[name] {
			out[name] = msg
			continue
		}
		if _, ok := out[GeneralField]; !ok {
			out[GeneralField] = msg
		}
	}
	if len(out) == 0 {
		out[GeneralField] = ve.Message
	}
	return out
}
