package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"botfleet/internal/storage/storetest"
	logx "botfleet/pkg/logx"
)

// Set BOTFLEET_TEST_MONGO_URI to run against a live server.
func TestRepositoryContract(t *testing.T) {
	uri := os.Getenv("BOTFLEET_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("BOTFLEET_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db := fmt.Sprintf("botfleet_test_%d", time.Now().UnixNano())
	s, err := Open(ctx, Config{URI: uri, Database: db, MaxRetry: 1}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = s.bots.Database().Drop(context.Background())
		_ = s.Close()
	})
	storetest.Repository(t, s)
}

func TestOpenRequiresURI(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{}, logx.Nop()); err == nil {
		t.Fatalf("Open without uri succeeded")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{URI: "mongodb://localhost"}.withDefaults()
	if c.Database != "botfleet" || c.MaxPoolSize != 32 || c.MaxRetry != 3 || c.ConnectTimeout != 10*time.Second {
		t.Fatalf("withDefaults = %+v", c)
	}
}
