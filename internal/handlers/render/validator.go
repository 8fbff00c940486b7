package render

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/classcredits/internal/models"
)

func configureValidator(validate *validator.Validate) {
	_ = validate.RegisterValidation("ledger", validateLedger)
	validate.RegisterTagNameFunc(useJSONTagNames)
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}

// Ledger names accepted on the wire; empty values are left to 'required'
func validateLedger(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return name == "" || models.Ledger(name).Valid()
}
