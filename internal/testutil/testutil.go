// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// envFile is looked up from the working directory upwards
const envFile = ".env.test"

// LoadTestEnv points DATABASE_URL at TEST_DATABASE_URL from .env.test unless the
// environment already provides one, as CI does
func LoadTestEnv(t *testing.T) {
	t.Helper()

	if os.Getenv("DATABASE_URL") != "" {
		return
	}

	path := findUp(envFile, 5)
	if path == "" {
		return
	}

	values, err := godotenv.Read(path)
	if err != nil {
		t.Logf("Failed to read %s: %v", path, err)
		return
	}

	if url := values["TEST_DATABASE_URL"]; url != "" {
		t.Setenv("DATABASE_URL", url)
	}
}

// RequireDatabase loads the test environment and skips the test when no database is configured
func RequireDatabase(t *testing.T) {
	t.Helper()

	LoadTestEnv(t)
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping database integration test")
	}
}

func findUp(name string, levels int) string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for range levels {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
