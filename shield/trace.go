package shield

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/hazyhaar/noteboard/kit"
)

const traceHeader = "X-Trace-ID"

// TraceID gives each request an id, reusing a well-formed one sent by the
// client so a caller can follow its own calls in the logs. The id is
// echoed in the response and available through kit.TraceID.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(traceHeader)
		if !validTraceID(id) {
			id = newTraceID()
		}
		w.Header().Set(traceHeader, id)
		next.ServeHTTP(w, r.WithContext(kit.WithTraceID(r.Context(), id)))
	})
}

func newTraceID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func validTraceID(id string) bool {
	if id == "" || len(id) > 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
