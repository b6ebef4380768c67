package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/frostdev-ops/pywatt-sdk/ipc"
)

func seed(c *Client, name, value string) {
	c.HandleSecret(&ipc.SecretValueResponse{Name: name, Value: value})
}

func TestGetTypedInt(t *testing.T) {
	c, _, _ := newTestClient(t)
	seed(c, "MAX_CONNS", "42")

	v, err := GetTyped[int](context.Background(), c, "MAX_CONNS", CacheOnly)
	if err != nil || v != 42 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestGetTypedBool(t *testing.T) {
	c, _, _ := newTestClient(t)
	seed(c, "FEATURE_ON", "true")

	v, err := GetTyped[bool](context.Background(), c, "FEATURE_ON", CacheOnly)
	if err != nil || !v {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestGetTypedDuration(t *testing.T) {
	c, _, _ := newTestClient(t)
	seed(c, "POLL_INTERVAL", "1m30s")

	v, err := GetTyped[time.Duration](context.Background(), c, "POLL_INTERVAL", CacheOnly)
	if err != nil || v != 90*time.Second {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestGetTypedUint16Port(t *testing.T) {
	c, _, _ := newTestClient(t)
	seed(c, "PORT", "8443")

	v, err := GetTyped[uint16](context.Background(), c, "PORT", CacheOnly)
	if err != nil || v != 8443 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestGetTypedJSONStruct(t *testing.T) {
	type dbConfig struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	c, _, _ := newTestClient(t)
	seed(c, "DB_JSON", `{"host":"db.internal","port":5432}`)

	v, err := GetTyped[dbConfig](context.Background(), c, "DB_JSON", CacheOnly)
	if err != nil || v.Host != "db.internal" || v.Port != 5432 {
		t.Fatalf("got %+v, %v", v, err)
	}
}

func TestGetTypedParseFailure(t *testing.T) {
	c, _, _ := newTestClient(t)
	seed(c, "NOT_A_NUMBER", "forty-two")

	_, err := GetTyped[int](context.Background(), c, "NOT_A_NUMBER", CacheOnly)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Kind != "int" || perr.Name != "NOT_A_NUMBER" {
		t.Fatalf("parse error %+v", perr)
	}
}
