package cli

import (
	"flag"
	"os"

	"github.com/platinummonkey/voicescribe/pkg/storage"
	"github.com/platinummonkey/voicescribe/pkg/storage/sqlstore"
)

func addStoreFlags(fs *flag.FlagSet) {
	defaults := storage.DefaultConfig()
	fs.String("db-driver", envOr("VOICESCRIBE_DB_DRIVER", defaults.Driver), "Database driver (postgres or sqlite)")
	fs.String("db-url", envOr("VOICESCRIBE_DB_URL", defaults.DSN), "Database connection string")
}

func openStore(fs *flag.FlagSet) (*sqlstore.SQLStore, error) {
	cfg := storage.DefaultConfig()
	cfg.Driver = fs.Lookup("db-driver").Value.String()
	cfg.DSN = fs.Lookup("db-url").Value.String()
	return sqlstore.Open(cfg)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
