package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/example/device-gateway/internal/auth"
	"github.com/example/device-gateway/internal/data"
	"github.com/example/device-gateway/internal/gatewaycfg"
	"github.com/example/device-gateway/internal/protocol"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/sha3"
)

// taskctl is the operator-side producer: it records the task durably, signs
// the delivery intent and enqueues it for the assigner pool. It also exposes
// credential revocation, which takes effect on live sessions within one poll
// interval of every gateway node.
func main() {
	configPath := flag.String("config", "./config/gateway.yaml", "path to gateway config")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	cfg, err := gatewaycfg.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	switch args[0] {
	case "submit":
		runSubmit(cfg, args[1:])
	case "revoke":
		runRevoke(cfg, args[1:])
	case "issue":
		runIssue(cfg, args[1:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: taskctl [-config path] submit|revoke|issue [flags]")
	os.Exit(2)
}

func runSubmit(cfg *gatewaycfg.Config, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	device := fs.String("device", "", "target device id")
	actions := fs.String("actions", "", `actions JSON, e.g. [{"op":"reboot"}]`)
	keyFile := fs.String("key", "", "base64 ed25519 private key file for intent signing")
	idem := fs.String("idem", "", "idempotency key (optional)")
	_ = fs.Parse(args)
	if *device == "" || *actions == "" {
		log.Fatal("submit: -device and -actions are required")
	}

	var acts []protocol.Action
	if err := json.Unmarshal([]byte(*actions), &acts); err != nil {
		log.Fatalf("parse actions: %v", err)
	}

	intent := protocol.DeliveryIntent{
		TaskID:   ulid.Make().String(),
		DeviceID: *device,
		IssuedAt: time.Now().Unix(),
		Actions:  acts,
	}
	if *keyFile != "" {
		priv := loadKey(*keyFile)
		if err := intent.Sign(priv); err != nil {
			log.Fatalf("sign intent: %v", err)
		}
	}
	if err := intent.Validate(); err != nil {
		log.Fatalf("intent: %v", err)
	}
	payload, _ := json.Marshal(intent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	taskID := intent.TaskID
	if cfg.Postgres.Enabled {
		pg, err := data.NewPostgres(cfg.Postgres)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		sum := sha3.Sum256(payload)
		stored, err := pg.InsertTask(ctx, taskID, *device, payload, *idem, "taskctl.submit", hex.EncodeToString(sum[:]))
		if errors.Is(err, data.ErrDuplicate) {
			// same idempotency key, same request: the earlier task stands
			fmt.Printf("duplicate of task %s\n", stored)
			return
		}
		if err != nil {
			log.Fatalf("insert task: %v", err)
		}
	}

	rd, err := data.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rd.Close()
	if err := rd.AddIntent(ctx, taskID, payload); err != nil {
		log.Fatalf("enqueue intent: %v", err)
	}
	fmt.Printf("queued task %s for %s\n", taskID, *device)
}

func runRevoke(cfg *gatewaycfg.Config, args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	jti := fs.String("jti", "", "token id to revoke")
	ttl := fs.Duration("ttl", time.Hour, "how long the revocation entry lives")
	_ = fs.Parse(args)
	if *jti == "" {
		log.Fatal("revoke: -jti is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rd, err := data.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rd.Close()
	if err := rd.Revoke(ctx, *jti, *ttl); err != nil {
		log.Fatalf("revoke: %v", err)
	}
	fmt.Printf("revoked %s\n", *jti)
}

func runIssue(cfg *gatewaycfg.Config, args []string) {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	device := fs.String("device", "", "device id to issue a credential for")
	ttl := fs.Duration("ttl", 24*time.Hour, "credential lifetime")
	_ = fs.Parse(args)
	if *device == "" {
		log.Fatal("issue: -device is required")
	}
	v, err := auth.NewVerifier(cfg.Auth, nil, nil)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tok, jti, exp, err := v.Issue(ctx, *device, *ttl)
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	fmt.Printf("jti=%s exp=%s\n%s\n", jti, exp.Format(time.RFC3339), tok)
}

func loadKey(path string) ed25519.PrivateKey {
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read key: %v", err)
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			log.Fatalf("decode key: %v", err)
		}
	}
	if len(raw) != ed25519.PrivateKeySize {
		log.Fatalf("key: want %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw)
}
