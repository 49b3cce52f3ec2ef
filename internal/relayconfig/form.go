package relayconfig

import (
	"errors"
	"log/slog"
)

// Form is one settings save as posted by an operator. Nil fields were not
// submitted and are left alone.
type Form struct {
	Host       *string
	Port       *string
	Encryption *string
	Username   *string
	Password   *string
	FromEmail  *string
	FromName   *string
}

// Apply saves every submitted field of form. A rejected field does not stop
// the rest from being saved; all validation errors are joined.
func (s *Store) Apply(form Form) ([]Result, error) {
	posted := []struct {
		field Field
		value *string
	}{
		{FieldHost, form.Host},
		{FieldPort, form.Port},
		{FieldEncryption, form.Encryption},
		{FieldUsername, form.Username},
		{FieldPassword, form.Password},
		{FieldFromEmail, form.FromEmail},
		{FieldFromName, form.FromName},
	}

	var (
		results []Result
		errs    []error
	)
	for _, p := range posted {
		if p.value == nil {
			continue
		}

		res, err := s.Set(p.field, *p.value)
		if err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				return results, err
			}
			errs = append(errs, err)
			continue
		}

		if res.Corrected {
			slog.Warn("relay setting replaced by default",
				"field", string(res.Field),
				"value", res.Value,
				"reason", res.Reason,
			)
		}
		results = append(results, res)
	}

	return results, errors.Join(errs...)
}
