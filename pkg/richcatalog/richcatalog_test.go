package richcatalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tursodatabase/qflux/pkg/fixgres"
)

func TestMain(m *testing.M) {
	fixgres.BootOnce(&testing.T{}, fixgres.WithDBName("richcatalog"))
	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

func TestIntrospectResolvesColumnsPrimaryKeysAndForeignKeys(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	ddl := []string{
		`CREATE TABLE customers (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE orders (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			customer_id BIGINT NOT NULL REFERENCES customers(id),
			amount NUMERIC NOT NULL
		)`,
		`CREATE INDEX orders_customer_id_idx ON orders (customer_id)`,
	}
	for _, stmt := range ddl {
		if _, err := sbx.DB.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	rc, err := New(sbx.DB, Options{
		Schemas:        []string{sbx.Schema},
		IncludeIndexes: true,
		IncludeFKs:     true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rc.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ordersQualified := sbx.Schema + ".orders"

	cols, ok := rc.Columns(ordersQualified)
	if !ok {
		t.Fatalf("want Columns to resolve %q", ordersQualified)
	}
	wantCols := map[string]bool{"id": true, "customer_id": true, "amount": true}
	if len(cols) != len(wantCols) {
		t.Fatalf("want %d columns, got %v", len(wantCols), cols)
	}
	for _, c := range cols {
		if !wantCols[c] {
			t.Errorf("unexpected column %q", c)
		}
	}

	pks, ok := rc.PrimaryKeys(ordersQualified)
	if !ok || len(pks) != 1 || pks[0] != "id" {
		t.Errorf("want primary key [id], got %v (ok=%v)", pks, ok)
	}

	snap := rc.Snapshot()
	var orders *Table
	for i := range snap.Schemas {
		if snap.Schemas[i].Name != sbx.Schema {
			continue
		}
		for j := range snap.Schemas[i].Tables {
			if snap.Schemas[i].Tables[j].Name == "orders" {
				orders = &snap.Schemas[i].Tables[j]
			}
		}
	}
	if orders == nil {
		t.Fatal("want an orders table in the snapshot")
	}
	if len(orders.FKs) != 1 {
		t.Fatalf("want one foreign key on orders, got %d", len(orders.FKs))
	}
	fk := orders.FKs[0]
	if fk.RefTable != "customers" || len(fk.Columns) != 1 || fk.Columns[0] != "customer_id" {
		t.Errorf("want FK customer_id -> customers, got %+v", fk)
	}

	foundIndex := false
	for _, ix := range orders.Indexes {
		if ix.Name == "orders_customer_id_idx" {
			foundIndex = true
			if len(ix.Columns) != 1 || ix.Columns[0] != "customer_id" {
				t.Errorf("want index on [customer_id], got %v", ix.Columns)
			}
		}
	}
	if !foundIndex {
		t.Error("want orders_customer_id_idx present in Snapshot indexes")
	}
}

func TestColumnsUnknownTableReturnsFalse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	rc, err := New(sbx.DB, Options{Schemas: []string{sbx.Schema}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rc.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, ok := rc.Columns(sbx.Schema + ".nonexistent"); ok {
		t.Error("want Columns to report false for a table that was never created")
	}
}
