package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bullyto/maps/internal/session"
)

// Every reply is a JSON object carrying "ok". Success payload fields sit beside it.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK flattens payload (a struct or map) into the envelope.
func writeOK(w http.ResponseWriter, status int, payload any) {
	out := map[string]json.RawMessage{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			writeFail(w, http.StatusInternalServerError, "encode failed")
			return
		}
		if err := json.Unmarshal(b, &out); err != nil {
			out = map[string]json.RawMessage{"data": b}
		}
	}
	out["ok"] = json.RawMessage("true")
	writeJSON(w, status, out)
}

func writeFail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// writeError maps coordinator error kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch session.KindOf(err) {
	case session.KindValidation:
		writeFail(w, http.StatusBadRequest, err.Error())
	case session.KindNotFound:
		writeFail(w, http.StatusNotFound, err.Error())
	case session.KindConflict:
		writeFail(w, http.StatusConflict, err.Error())
	case session.KindTransient:
		writeFail(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		writeFail(w, http.StatusInternalServerError, "internal error")
	}
}

const maxBody = 64 << 10

var errEmptyBody = errors.New("empty body")

// decode reads a bounded JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return validate.Struct(v)
}
