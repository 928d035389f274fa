// Command sparkctl provisions API credentials: Redis-backed API keys and
// signed bearer tokens.
//
//	sparkctl apikey create -name ci -role operator [-ttl 720h]
//	sparkctl apikey list
//	sparkctl apikey revoke -id key_0123abcd
//	sparkctl token -sub alice -role viewer [-ttl 1h]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	config "sparkstep/configs"
	"sparkstep/pkg/auth"
)

const usage = `usage:
  sparkctl apikey create -name NAME -role ROLE [-ttl DURATION]
  sparkctl apikey list
  sparkctl apikey revoke -id KEY_ID
  sparkctl token -sub SUBJECT -role ROLE [-name NAME] [-ttl DURATION]`

var errUsage = errors.New(usage)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout, openKeyStore); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func openKeyStore(cfg *config.Config) (auth.APIKeyStore, func() error, error) {
	client := goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)})
	return auth.NewRedisAPIKeyStore(client), client.Close, nil
}

type keyStoreOpener func(*config.Config) (auth.APIKeyStore, func() error, error)

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer, open keyStoreOpener) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "apikey":
		if len(args) < 2 {
			return errUsage
		}
		store, closeFn, err := open(cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		return runAPIKey(ctx, store, args[1], args[2:], out)
	case "token":
		return runToken(cfg, args[1:], out)
	default:
		return errUsage
	}
}

func runAPIKey(ctx context.Context, store auth.APIKeyStore, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("apikey "+cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch cmd {
	case "create":
		name := fs.String("name", "", "key name")
		role := fs.String("role", string(auth.RoleViewer), "admin, operator or viewer")
		ttl := fs.Duration("ttl", 0, "lifetime; 0 never expires")
		if err := fs.Parse(args); err != nil || *name == "" {
			return errUsage
		}
		r, err := auth.ParseRole(*role)
		if err != nil {
			return err
		}
		info := auth.APIKeyInfo{Name: *name, Role: r}
		if *ttl > 0 {
			info.ExpiresAt = time.Now().Add(*ttl).Unix()
		}
		key, err := store.CreateKey(ctx, info)
		if err != nil {
			return err
		}
		// the plaintext key is only ever shown here
		return writeJSON(out, map[string]string{"key": key, "name": *name, "role": string(r)})

	case "list":
		keys, err := store.ListKeys(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, keys)

	case "revoke":
		id := fs.String("id", "", "key id")
		if err := fs.Parse(args); err != nil || *id == "" {
			return errUsage
		}
		if err := store.RevokeKey(ctx, *id); err != nil {
			return err
		}
		return writeJSON(out, map[string]string{"revoked": *id})

	default:
		return errUsage
	}
}

func runToken(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sub := fs.String("sub", "", "subject")
	name := fs.String("name", "", "display name")
	role := fs.String("role", string(auth.RoleViewer), "admin, operator or viewer")
	ttl := fs.Duration("ttl", time.Hour, "lifetime")
	if err := fs.Parse(args); err != nil || *sub == "" {
		return errUsage
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("AUTH_JWT_SECRET is not set")
	}

	r, err := auth.ParseRole(*role)
	if err != nil {
		return err
	}

	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = cfg.Auth.JWTSecret
	jwtCfg.Issuer = cfg.Auth.JWTIssuer
	jwtCfg.TokenExpiry = *ttl
	svc, err := auth.NewJWTService(jwtCfg)
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(*sub, *name, r)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]string{"token": token, "role": string(r)})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
