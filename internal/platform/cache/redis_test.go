package cache

import (
	"context"
	"testing"
)

func TestNewClient_InvalidURL(t *testing.T) {
	if _, err := NewClient(context.Background(), "not-a-redis-url", "billing"); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestClient_Key(t *testing.T) {
	c := &Client{prefix: "billing"}
	if got := c.key("insurance:abc"); got != "billing:insurance:abc" {
		t.Errorf("expected prefixed key, got %s", got)
	}
	c = &Client{prefix: "billing:"}
	if got := c.key("insurance:abc"); got != "billing:insurance:abc" {
		t.Errorf("expected a single separator, got %s", got)
	}
	c = &Client{}
	if got := c.key("insurance:abc"); got != "insurance:abc" {
		t.Errorf("expected bare key, got %s", got)
	}
}
