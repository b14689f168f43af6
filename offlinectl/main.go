package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/marketday/offline"
)

const DefaultApiUrl = "https://api.marketday.app"

const LocalVersion = "0.0.0-local"

const authStorageKey = "auth"

type storedAuth struct {
	ByJwt      string     `json:"by_jwt"`
	InstanceId offline.Id `json:"instance_id"`
}

func main() {
	usage := fmt.Sprintf(
		`Marketday offline sync tool.

Inspects and drains the durable state of a device store.
The default api_url is %s.
The default store is $MARKETDAY_STORE or ~/.marketday/offline.

Usage:
    offlinectl login --user_auth=<user_auth> [--password=<password>]
        [--api_url=<api_url>] [--store=<store>] [--db=<db>]
    offlinectl status [--api_url=<api_url>] [--store=<store>] [--db=<db>]
    offlinectl enqueue <kind> <payload> [--api_url=<api_url>] [--store=<store>] [--db=<db>]
    offlinectl drain [--api_url=<api_url>] [--store=<store>] [--db=<db>]
    offlinectl updates [--api_url=<api_url>] [--store=<store>] [--db=<db>]
    offlinectl clear-update <kind> [--api_url=<api_url>] [--store=<store>] [--db=<db>]
    offlinectl cache-get <key> [--api_url=<api_url>] [--store=<store>] [--db=<db>]
    offlinectl probe [--api_url=<api_url>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --user_auth=<user_auth>
    --password=<password>
    --store=<store>            Store directory.
    --db=<db>                  Sqlite store file, used instead of --store.`,
		DefaultApiUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	if login_, _ := opts.Bool("login"); login_ {
		login(cancelCtx, opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(cancelCtx, opts)
	} else if enqueue_, _ := opts.Bool("enqueue"); enqueue_ {
		enqueue(cancelCtx, opts)
	} else if drain_, _ := opts.Bool("drain"); drain_ {
		drain(cancelCtx, opts)
	} else if updates_, _ := opts.Bool("updates"); updates_ {
		updates(cancelCtx, opts)
	} else if clearUpdate_, _ := opts.Bool("clear-update"); clearUpdate_ {
		clearUpdate(cancelCtx, opts)
	} else if cacheGet_, _ := opts.Bool("cache-get"); cacheGet_ {
		cacheGet(cancelCtx, opts)
	} else if probe_, _ := opts.Bool("probe"); probe_ {
		probe(cancelCtx, opts)
	}
}

func login(ctx context.Context, opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	userAuth := opts["--user_auth"].(string)

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	api := offline.NewMarketdayApiWithContext(ctx, apiUrl)

	loginCallback, loginChannel := offline.NewBlockingApiCallback[*offline.AuthLoginResult]()

	api.AuthLogin(&offline.AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	}, loginCallback)

	var loginResult offline.ApiCallbackResult[*offline.AuthLoginResult]
	select {
	case <-ctx.Done():
		os.Exit(0)
	case loginResult = <-loginChannel:
	}

	if loginResult.Error != nil {
		panic(loginResult.Error)
	}
	if loginResult.Result.Error != nil {
		panic(fmt.Errorf("%s", loginResult.Result.Error.Message))
	}

	byJwt := loginResult.Result.ByJwt
	parsed, err := offline.ParseByJwtUnverified(byJwt)
	if err != nil {
		panic(err)
	}

	storage := ctlStorage(opts)
	defer storage.Close()

	stored := &storedAuth{
		ByJwt:      byJwt,
		InstanceId: offline.NewId(),
	}
	storedJson, err := json.Marshal(stored)
	if err != nil {
		panic(err)
	}
	if err := storage.Set(ctx, authStorageKey, storedJson); err != nil {
		panic(err)
	}

	fmt.Printf("user: %s\n", parsed.UserName)
	if parsed.BusinessName != "" {
		fmt.Printf("business: %s\n", parsed.BusinessName)
	}
	fmt.Printf("instance_id: %s\n", stored.InstanceId)
}

func status(ctx context.Context, opts docopt.Opts) {
	storage := ctlStorage(opts)
	defer storage.Close()

	client := newCtlClient(ctx, storage, opts)
	defer client.Close()

	queueStatus := client.Queue().GetStatus()
	fmt.Printf("queue_length: %d\n", queueStatus.QueueLength)
	for _, op := range client.Queue().Operations() {
		fmt.Printf(
			"    %s %s age=%s retries=%d\n",
			op.OperationId,
			op.Kind,
			time.Since(op.EnqueuedAt).Round(time.Second),
			op.RetryCount,
		)
	}

	records := client.Updates().ListUpdates()
	fmt.Printf("updates: %d\n", len(records))
	for _, record := range records {
		fmt.Printf(
			"    %s source=%s age=%s\n",
			record.Kind,
			record.Source,
			time.Since(record.Timestamp).Round(time.Second),
		)
	}

	state := client.Channel().GetConnectionState()
	fmt.Printf("channel: %s offline_mode=%t\n", state.State, state.OfflineMode)
}

func enqueue(ctx context.Context, opts docopt.Opts) {
	kind, _ := opts.String("<kind>")
	payloadJson, _ := opts.String("<payload>")

	payload := map[string]any{}
	if err := json.Unmarshal([]byte(payloadJson), &payload); err != nil {
		panic(err)
	}

	storage := ctlStorage(opts)
	defer storage.Close()

	client := newCtlClient(ctx, storage, opts)
	defer client.Close()

	persisted := client.Queue().Enqueue(offline.OpKind(kind), payload)
	fmt.Printf(
		"enqueued persisted=%t queue_length=%d\n",
		persisted,
		client.Queue().GetStatus().QueueLength,
	)
}

func drain(ctx context.Context, opts docopt.Opts) {
	storage := ctlStorage(opts)
	defer storage.Close()

	client := newCtlClient(ctx, storage, opts)
	defer client.Close()

	dropUnsub := client.Queue().AddDropCallback(func(op *offline.Operation, err error) {
		fmt.Printf("dropped %s %s: %s\n", op.OperationId, op.Kind, err)
	})
	defer dropUnsub()

	start := client.Queue().GetStatus()
	fmt.Printf("draining %d operations\n", start.QueueLength)

	client.SetOnline(true)

	offline.Trace("[ctl]drain", func() {
		for {
			status := client.Queue().GetStatus()
			if status.QueueLength == 0 && !status.IsSyncing {
				return
			}
			notify := client.Queue().StatusMonitor().NotifyChannel()
			select {
			case <-ctx.Done():
				return
			case <-notify:
			case <-time.After(1 * time.Second):
			}
		}
	})

	fmt.Printf("queue_length: %d\n", client.Queue().GetStatus().QueueLength)
}

func updates(ctx context.Context, opts docopt.Opts) {
	storage := ctlStorage(opts)
	defer storage.Close()

	client := newCtlClient(ctx, storage, opts)
	defer client.Close()

	for _, record := range client.Updates().ListUpdates() {
		payloadJson, _ := json.Marshal(record.Payload)
		fmt.Printf(
			"%s %s source=%s age=%s %s\n",
			record.Timestamp.Format(time.RFC3339),
			record.Kind,
			record.Source,
			time.Since(record.Timestamp).Round(time.Second),
			payloadJson,
		)
	}
}

func clearUpdate(ctx context.Context, opts docopt.Opts) {
	kind, _ := opts.String("<kind>")

	storage := ctlStorage(opts)
	defer storage.Close()

	client := newCtlClient(ctx, storage, opts)
	defer client.Close()

	cleared := client.Updates().ClearUpdate(offline.UpdateKind(kind))
	fmt.Printf("cleared=%t\n", cleared)
}

func cacheGet(ctx context.Context, opts docopt.Opts) {
	key, _ := opts.String("<key>")

	storage := ctlStorage(opts)
	defer storage.Close()

	client := newCtlClient(ctx, storage, opts)
	defer client.Close()

	value := client.Cache().GetCachedData(key)
	if value == nil {
		fmt.Printf("(none)\n")
	} else {
		fmt.Printf("%s\n", value)
	}
}

func probe(ctx context.Context, opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)

	api := offline.NewMarketdayApiWithContext(ctx, apiUrl)
	defer api.Close()

	available := api.ProbeChannel(1500 * time.Millisecond)
	fmt.Printf("server_available: %t\n", available)
}

func newCtlClient(ctx context.Context, storage offline.Storage, opts docopt.Opts) *offline.Client {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	auth := loadAuth(ctx, storage)
	return offline.NewClientWithDefaults(ctx, auth, storage, apiUrl)
}

func loadAuth(ctx context.Context, storage offline.Storage) *offline.ClientAuth {
	auth := &offline.ClientAuth{
		AppVersion: RequireVersion(),
	}
	value, ok, err := storage.Get(ctx, authStorageKey)
	if err != nil || !ok {
		return auth
	}
	var stored storedAuth
	if err := json.Unmarshal(value, &stored); err != nil {
		return auth
	}
	auth.ByJwt = stored.ByJwt
	auth.InstanceId = stored.InstanceId
	return auth
}

func ctlStorage(opts docopt.Opts) offline.Storage {
	if dbAny := opts["--db"]; dbAny != nil {
		storage, err := offline.NewSqliteStorage(dbAny.(string))
		if err != nil {
			panic(err)
		}
		return storage
	}

	var storeDir string
	if storeAny := opts["--store"]; storeAny != nil {
		storeDir = storeAny.(string)
	} else {
		storeDir = defaultStoreDir()
	}
	storage, err := offline.NewFileStorage(storeDir)
	if err != nil {
		panic(err)
	}
	return storage
}

func defaultStoreDir() string {
	if storeDir := os.Getenv("MARKETDAY_STORE"); storeDir != "" {
		return storeDir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(homeDir, ".marketday", "offline")
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if value := opts[key]; value != nil {
		return value.(string)
	}
	return defaultValue
}

func RequireVersion() string {
	if version := os.Getenv("MARKETDAY_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
