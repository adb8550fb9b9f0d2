package devtools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/internal/common"
	"github.com/tursodatabase/qflux/pkg/collection"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/salsa"
)

func newTestRouter(t *testing.T, collections map[string]*collection.Collection) *chi.Mux {
	t.Helper()
	h := New(salsa.NewDatabase(), collections, zap.NewNop())
	r := chi.NewRouter()
	r.Route("/devtools", h.Routes)
	return r
}

func TestHandleRowHandleAndResolveRowRoundTrip(t *testing.T) {
	col := collection.New("orders", nil, zap.NewNop())
	if err := col.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tx := col.Begin()
	tx.Insert(dynval.IntKey(7), dynval.Object(map[string]dynval.Value{"amount": dynval.Int(42)}))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r := newTestRouter(t, map[string]*collection.Collection{"orders": col})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/devtools/collections/orders/rows/7/handle")
	if err != nil {
		t.Fatalf("GET handle: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var handleResp map[string]string
	if err := decodeJSON(resp, &handleResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	handle := handleResp["handle"]
	if handle == "" {
		t.Fatal("want a non-empty handle")
	}

	resolveResp, err := http.Get(srv.URL + "/devtools/rows/" + handle)
	if err != nil {
		t.Fatalf("GET resolve: %v", err)
	}
	defer resolveResp.Body.Close()
	var resolved map[string]any
	if err := decodeJSON(resolveResp, &resolved); err != nil {
		t.Fatalf("decode resolve: %v", err)
	}
	if resolved["found"] != true {
		t.Fatalf("want found=true, got %+v", resolved)
	}
	value, ok := resolved["value"].(map[string]any)
	if !ok || value["amount"].(float64) != 42 {
		t.Errorf("want resolved amount=42, got %+v", resolved["value"])
	}
}

func TestHandleResolveRowUnknownCollectionReturnsNotFound(t *testing.T) {
	r := newTestRouter(t, map[string]*collection.Collection{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	handle := common.EncodeHandle("orders", "7")
	resp, err := http.Get(srv.URL + "/devtools/rows/" + handle)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("want 404 for a handle naming an unregistered collection, got %d", resp.StatusCode)
	}
}

func decodeJSON(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}
