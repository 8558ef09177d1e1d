package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/workflow"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	// required на struct-полях (Status) проверяет, что значение не нулевое
	validate = validator.New(validator.WithRequiredStructEnabled())

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// В ошибках имена полей из JSON, а не из Go-структуры
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ErrorResponse тело любого не-2xx ответа. Клиент показывает message как есть.
type ErrorResponse struct {
	Message string            `json:"message"`
	Reason  string            `json:"reason,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Message: msg})
}

// decodeAndValidate тело запроса → структура + validate-теги.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			fields := make(map[string]string, len(vErrs))
			for _, fe := range vErrs {
				fields[fe.Field()] = fe.Translate(translator)
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "validation failed", Fields: fields})
			return false
		}
		writeMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeError отображает доменные ошибки на HTTP-коды.
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Message: err.Error()}
	status := http.StatusInternalServerError

	switch reason := workflow.ReasonOf(err); {
	case reason == workflow.ReasonMissingNotes:
		status, resp.Reason = http.StatusUnprocessableEntity, string(reason)
		resp.Message = "Revision notes are required."
	case reason == workflow.ReasonUnauthorized:
		status, resp.Reason = http.StatusForbidden, string(reason)
		resp.Message = "Your role is not allowed to perform this action."
	case reason == workflow.ReasonIllegalTransition:
		status, resp.Reason = http.StatusConflict, string(reason)
		resp.Message = "This action is not available for the current status."
	case errors.Is(err, workflow.ErrConfirmationRequired):
		status, resp.Reason = http.StatusPreconditionRequired, "ConfirmationRequired"
	case errors.Is(err, domain.ErrStatusConflict):
		status, resp.Reason = http.StatusConflict, "Conflict"
		resp.Message = "The status was changed by someone else. Reload and try again."
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownKind),
		errors.Is(err, domain.ErrUnknownStatus),
		errors.Is(err, domain.ErrUnknownRole),
		errors.Is(err, domain.ErrUnknownAction):
		status = http.StatusBadRequest
	default:
		// Внутренние детали наружу не отдаём
		resp.Message = "Failed to update status. Please try again."
	}

	writeJSON(w, status, resp)
}
