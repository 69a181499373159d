package test

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shotcap/cfg"
	"shotcap/pkg/keys"
	"shotcap/pkg/kms"
	"shotcap/svc/api"
	"shotcap/svc/auth"
	"shotcap/svc/cache"
	"shotcap/svc/cred"
	"shotcap/svc/db"
	"shotcap/svc/lim"
	"shotcap/svc/svc"

	"github.com/joho/godotenv"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {

		paths := []string{
			".env.test",
			"../.env.test",
			"../../.env.test",
		}

		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						return
					}
				}
			}
		}

		if os.Getenv("KMS_LOCAL_KEY") == "" {
			os.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
		}
		if os.Getenv("PEPPER") == "" {
			os.Setenv("PEPPER", "0123456789ABCDEF0123456789ABCDEF")
		}
	})
	return envLoadErr
}

func createTestConfig() *cfg.Cfg {
	_ = loadTestEnv()

	return &cfg.Cfg{
		Port:              "0",
		Environment:       "test",
		LogLevel:          "error",
		DatabasePath:      ":memory:",
		LRUCacheSize:      1000,
		ShotCacheTTL:      5 * time.Minute,
		Argon2Time:        4,
		Argon2Memory:      128 * 1024,
		Argon2Parallelism: 2,
		Argon2KeyLen:      32,
		HasherWorkerCount: 4,
		MaxShotSize:       1024 * 1024,
		MaxClipSize:       1024 * 1024,
		MaxWorkerLoad:     1000,
		WorkerPoolSize:    20,
		Pepper:            cfg.NewSecret("0123456789ABCDEF0123456789ABCDEF"),
		ContextTimeout:    30 * time.Second,
		RateLimit: cfg.RateLimitCfg{
			RPM:               100000,
			Burst:             10000,
			ConservativeLimit: 50000,
		},
		IPHashRotationInterval: 1 * time.Hour,
		SealKeyCacheTTL:        10 * time.Minute,
		CleanupInterval:        10 * time.Minute,
		OAuthStateTTL:          15 * time.Minute,
		ProxyTimeout:           5 * time.Second,
		ProxyMaxBodySize:       1024 * 1024,
		ABTests: map[string][]string{
			"newIcon": {"control", "variant"},
		},
	}
}

func createTestDB(t *testing.T, c *cfg.Cfg) *db.SQLite {
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())

	maxOpenConns := c.DBMaxOpenConns
	if maxOpenConns == 0 {
		maxOpenConns = 250
	}
	maxIdleConns := c.DBMaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 25
	}
	queryTimeout := c.DBQueryTimeout
	if queryTimeout == 0 {
		queryTimeout = 10 * time.Second
	}

	sqlDB, err := db.NewSQLiteWithConfig(dsn, maxOpenConns, maxIdleConns, queryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func createTestLRU(t *testing.T, size int) *cache.LRU {
	lru, err := cache.NewLRU(size)
	if err != nil {
		t.Fatal(err)
	}
	return lru
}

func createTestHasher(t *testing.T, c *cfg.Cfg) *auth.Hasher {
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, []byte(c.Pepper.Value()))
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hasher.Stop)
	return hasher
}

func createTestKMS(t *testing.T) *kms.Adapter {
	if os.Getenv("KMS_LOCAL_KEY") == "" && os.Getenv("VAULT_ADDR") == "" && os.Getenv("AWS_REGION") == "" {
		t.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	}

	kmsAdapter, err := kms.NewAdapter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return kmsAdapter
}

func createTestKeySet(t *testing.T) *keys.KeySet {
	ks, err := keys.New(bytes.Repeat([]byte{'t'}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

type testStack struct {
	cfg    *cfg.Cfg
	db     *db.SQLite
	shot   *svc.Shot
	device *svc.Device
	oauth  *svc.OAuth
	codec  *cred.Codec
	linker *cred.Linker
	server *httptest.Server
}

// createTestStack wires the full service graph against an in-memory database
// and serves it over httptest.
func createTestStack(t *testing.T) *testStack {
	c := createTestConfig()
	sqlDB := createTestDB(t, c)
	lru := createTestLRU(t, c.LRUCacheSize)
	hasher := createTestHasher(t, c)
	kmsAdapter := createTestKMS(t)
	ks := createTestKeySet(t)
	codec := cred.NewCodec(ks)
	linker := cred.NewLinker(ks)

	shotSvc := svc.NewShot(sqlDB, lru, nil, c)
	t.Cleanup(shotSvc.Shutdown)
	deviceSvc := svc.NewDevice(sqlDB, hasher, c)
	oauthSvc := svc.NewOAuth(sqlDB, kmsAdapter, c)
	t.Cleanup(oauthSvc.Shutdown)

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)
	t.Cleanup(limiter.Stop)

	srv := api.NewServer(c, api.Deps{
		Shot:   shotSvc,
		Device: deviceSvc,
		OAuth:  oauthSvc,
		Codec:  codec,
		Linker: linker,
		Lim:    limiter,
		DB:     sqlDB,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testStack{
		cfg:    c,
		db:     sqlDB,
		shot:   shotSvc,
		device: deviceSvc,
		oauth:  oauthSvc,
		codec:  codec,
		linker: linker,
		server: ts,
	}
}
