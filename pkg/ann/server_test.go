package ann

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, strict bool, opts ...handleOpt) *Server {
	t.Helper()
	h, _ := newTestHandle(t, "toys", testIDs, testVecs, opts...)
	return NewServer(h, ServerConfig{Strict: strict, Logger: quietLogger()})
}

func postQuery(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ann/toys", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) queryResponse {
	t.Helper()
	var resp queryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestServerQueryByID(t *testing.T) {
	s := newTestServer(t, false)

	w := postQuery(t, s, `{"id":"A","k":2,"incl_dist":true,"incl_score":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	resp := decodeResponse(t, w)
	if resp.IDType != "-" {
		t.Fatalf("id_type = %q, want -", resp.IDType)
	}
	if len(resp.Recs) != 2 || resp.Recs[0].ID != "B" || resp.Recs[1].ID != "C" {
		t.Fatalf("recs = %+v", resp.Recs)
	}
	for i, want := range []struct{ dist, score float64 }{{0.2, 0.9}, {0.6, 0.7}} {
		r := resp.Recs[i]
		if r.Dist == nil || math.Abs(float64(*r.Dist)-want.dist) > 1e-3 {
			t.Errorf("rec %d dist = %v, want %v", i, r.Dist, want.dist)
		}
		if r.Score == nil || math.Abs(*r.Score-want.score) > 1e-3 {
			t.Errorf("rec %d score = %v, want %v", i, r.Score, want.score)
		}
	}
}

func TestServerQueryByVector(t *testing.T) {
	s := newTestServer(t, false)

	w := postQuery(t, s, `{"emb":[1,0],"k":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	resp := decodeResponse(t, w)
	if len(resp.Recs) != 1 || resp.Recs[0].ID != "A" {
		t.Fatalf("recs = %+v", resp.Recs)
	}
	// Neither distance nor score was requested.
	if resp.Recs[0].Dist != nil || resp.Recs[0].Score != nil {
		t.Fatalf("unrequested fields attached: %+v", resp.Recs[0])
	}
}

func TestServerDistWithoutScore(t *testing.T) {
	s := newTestServer(t, false)

	w := postQuery(t, s, `{"id":"A","k":1,"incl_dist":true}`)
	resp := decodeResponse(t, w)
	if len(resp.Recs) != 1 {
		t.Fatalf("recs = %+v", resp.Recs)
	}
	if resp.Recs[0].Dist == nil || resp.Recs[0].Score != nil {
		t.Fatalf("recs = %+v, want dist only", resp.Recs[0])
	}
}

func TestServerThreshold(t *testing.T) {
	s := newTestServer(t, false)

	w := postQuery(t, s, `{"id":"A","k":3,"thresh_score":0.8}`)
	resp := decodeResponse(t, w)
	if len(resp.Recs) != 1 || resp.Recs[0].ID != "B" {
		t.Fatalf("recs = %+v, want [B]", resp.Recs)
	}
	// The threshold needs distances internally but the response omits
	// them unless asked.
	if resp.Recs[0].Dist != nil || resp.Recs[0].Score != nil {
		t.Fatalf("unrequested fields attached: %+v", resp.Recs[0])
	}
}

func TestServerFailOpen(t *testing.T) {
	s := newTestServer(t, false)

	for name, body := range map[string]string{
		"malformed json": `{"id":`,
		"missing k":      `{"id":"A"}`,
		"unknown id":     `{"id":"Z","k":3}`,
		"id and emb":     `{"id":"A","emb":[1,0],"k":3}`,
	} {
		w := postQuery(t, s, body)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", name, w.Code)
			continue
		}
		raw := w.Body.String()
		if !strings.Contains(raw, `"recs":[]`) {
			t.Errorf("%s: body = %s, want empty recs list", name, raw)
		}
		resp := decodeResponse(t, w)
		if resp.IDType != "-" {
			t.Errorf("%s: id_type = %q", name, resp.IDType)
		}
	}
}

func TestServerStrictErrors(t *testing.T) {
	s := newTestServer(t, true)

	for name, tc := range map[string]struct {
		body string
		code int
	}{
		"malformed json": {`{"id":`, http.StatusBadRequest},
		"missing k":      {`{"id":"A"}`, http.StatusBadRequest},
		"unknown id":     {`{"id":"Z","k":3}`, http.StatusNotFound},
	} {
		w := postQuery(t, s, tc.body)
		if w.Code != tc.code {
			t.Errorf("%s: status = %d, want %d", name, w.Code, tc.code)
		}
		var resp map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Errorf("%s: decode body: %v", name, err)
			continue
		}
		if resp["error"] == "" {
			t.Errorf("%s: missing error message", name)
		}
	}

	// Valid queries are unaffected by strict mode.
	w := postQuery(t, s, `{"id":"A","k":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeResponse(t, w); len(resp.Recs) != 2 {
		t.Fatalf("recs = %+v", resp.Recs)
	}
}

func TestServerStrictStoreFailure(t *testing.T) {
	s := newTestServer(t, true,
		withOOI(TableSource{Store: faultStore{err: errors.New("boom")}}))

	w := postQuery(t, s, `{"id":"Z","k":3}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestServerVectorEndpoint(t *testing.T) {
	table := seededStore(t, map[string][]float32{"Z": {0.6, 0.8}})
	s := newTestServer(t, false, withOOI(TableSource{Store: table}))

	get := func(target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		return w
	}

	w := get("/ann/toys?id=A")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var vec []float32
	if err := json.Unmarshal(w.Body.Bytes(), &vec); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	if len(vec) != 2 || vec[0] != 1 {
		t.Fatalf("vector = %v", vec)
	}

	// Out-of-index but resolvable through the table.
	w = get("/ann/toys?id=Z")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &vec); err != nil || len(vec) != 2 {
		t.Fatalf("vector = %v, err = %v", vec, err)
	}

	// Unresolvable ids and a missing parameter get empty 200s.
	for _, target := range []string{"/ann/toys?id=nope", "/ann/toys"} {
		w = get(target)
		if w.Code != http.StatusOK || w.Body.Len() != 0 {
			t.Fatalf("%s: status = %d, body %q", target, w.Code, w.Body)
		}
	}
}

func TestServerVectorEndpointStrict(t *testing.T) {
	s := newTestServer(t, true)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ann/toys", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing id: status = %d, want 400", w.Code)
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, false)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/ann/toys", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestServerStatusHandler(t *testing.T) {
	s := newTestServer(t, false)

	w := httptest.NewRecorder()
	s.StatusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status/toys", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Name != "toys" || !st.Loaded || st.Items != 4 {
		t.Fatalf("status = %+v", st)
	}
}
