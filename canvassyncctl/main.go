package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/opendeck/canvassync/canvassync"
)

const CanvasSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Canvas sync control.

The default urls are:
    api_url: https://api.opendeck.io
    sync_url: wss://sync.opendeck.io

Usage:
    canvassyncctl create [--api_url=<api_url>] [--sync_url=<sync_url>]
        --jwt=<jwt>
        --canvas_id=<canvas_id>
        --type=<type>
        [<properties>]
    canvassyncctl move [--api_url=<api_url>] [--sync_url=<sync_url>]
        --jwt=<jwt>
        --canvas_id=<canvas_id>
        --object_id=<object_id>
        --x=<x> --y=<y>
    canvassyncctl delete [--api_url=<api_url>] [--sync_url=<sync_url>]
        --jwt=<jwt>
        --canvas_id=<canvas_id>
        --object_id=<object_id>
    canvassyncctl list [--api_url=<api_url>] [--sync_url=<sync_url>]
        --jwt=<jwt>
        --canvas_id=<canvas_id>
    canvassyncctl watch [--api_url=<api_url>] [--sync_url=<sync_url>]
        --jwt=<jwt>
        --canvas_id=<canvas_id>
    canvassyncctl stats [--api_url=<api_url>] [--sync_url=<sync_url>]
        --jwt=<jwt>
        --canvas_id=<canvas_id>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --sync_url=<sync_url>
    --jwt=<jwt>                Your platform JWT.
    --canvas_id=<canvas_id>    Canvas to join.
    --object_id=<object_id>    Target object.
    --type=<type>              Object type (rect, circle, line, brush, text).
    --x=<x>                    X position.
    --y=<y>                    Y position.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if move_, _ := opts.Bool("move"); move_ {
		move(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteObject(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if stats_, _ := opts.Bool("stats"); stats_ {
		stats(opts)
	}
}

func newClient(ctx context.Context, opts docopt.Opts) *canvassync.CanvasClient {
	apiUrl, err := opts.String("--api_url")
	if err != nil {
		apiUrl = "https://api.opendeck.io"
	}
	syncUrl, err := opts.String("--sync_url")
	if err != nil {
		syncUrl = "wss://sync.opendeck.io"
	}
	jwt, err := opts.String("--jwt")
	if err != nil {
		panic(err)
	}
	canvasIdStr, err := opts.String("--canvas_id")
	if err != nil {
		panic(err)
	}
	canvasId, err := canvassync.ParseId(canvasIdStr)
	if err != nil {
		panic(err)
	}

	settings := canvassync.DefaultCanvasClientSettings()
	settings.ApiUrl = apiUrl
	settings.TransportUrl = syncUrl

	client, err := canvassync.NewCanvasClient(
		ctx,
		canvasId,
		&canvassync.ClientAuth{
			ByJwt:      jwt,
			InstanceId: canvassync.NewId(),
			AppVersion: CanvasSyncCtlVersion,
		},
		settings,
	)
	if err != nil {
		panic(err)
	}
	return client
}

// a bare persistence client, for calls outside a session
func newApi(ctx context.Context, opts docopt.Opts) (*canvassync.CanvasApi, canvassync.Id) {
	apiUrl, err := opts.String("--api_url")
	if err != nil {
		apiUrl = "https://api.opendeck.io"
	}
	jwt, err := opts.String("--jwt")
	if err != nil {
		panic(err)
	}
	canvasIdStr, err := opts.String("--canvas_id")
	if err != nil {
		panic(err)
	}
	canvasId, err := canvassync.ParseId(canvasIdStr)
	if err != nil {
		panic(err)
	}

	api := canvassync.NewCanvasApi(ctx, apiUrl)
	api.SetByJwt(jwt)
	return api, canvasId
}

// waits until the local backlog fully settles
func settle(client *canvassync.CanvasClient, timeout time.Duration) {
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		queueStats := client.QueueStats()
		if queueStats.QueueSize == 0 && queueStats.InFlightCount == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	Err.Printf("settle timeout\n")
}

func create(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	objectType, err := opts.String("--type")
	if err != nil {
		panic(err)
	}

	properties := map[string]any{}
	if propertiesJson, err := opts.String("<properties>"); err == nil && propertiesJson != "" {
		if err := json.Unmarshal([]byte(propertiesJson), &properties); err != nil {
			panic(err)
		}
	}

	object, err := client.CreateObject(objectType, properties)
	if err != nil {
		panic(err)
	}
	settle(client, 30*time.Second)
	Out.Printf("%s\n", object.ObjectId)
}

func move(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	objectId := requireObjectId(opts)
	x := requireFloat(opts, "--x")
	y := requireFloat(opts, "--y")

	// sync down the current object set first so the object is known locally
	if _, err := client.Sync(ctx); err != nil {
		panic(err)
	}

	if _, err := client.MoveObject(objectId, x, y); err != nil {
		panic(err)
	}
	settle(client, 30*time.Second)
	Out.Printf("moved %s to %f,%f\n", objectId, x, y)
}

func deleteObject(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	objectId := requireObjectId(opts)

	if _, err := client.Sync(ctx); err != nil {
		panic(err)
	}

	if err := client.DeleteObject(objectId); err != nil {
		panic(err)
	}
	settle(client, 30*time.Second)
	Out.Printf("deleted %s\n", objectId)
}

func list(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	if _, err := client.Sync(ctx); err != nil {
		panic(err)
	}

	for _, object := range client.DisplayObjects() {
		propertiesJson, _ := json.Marshal(object.Properties)
		Out.Printf("%s %s v%d %s\n", object.ObjectId, object.ObjectType, object.Version, propertiesJson)
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	api, canvasId := newApi(ctx, opts)
	defer api.Close()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	// periodic server-side snapshot alongside the live event stream
	refreshTicker := time.NewTicker(30 * time.Second)
	defer refreshTicker.Stop()

	for {
		select {
		case <-stopSignal:
			return
		case <-refreshTicker.C:
			api.GetCanvasObjects(canvasId, canvassync.NewApiCallback(func(result *canvassync.GetCanvasObjectsResult, err error) {
				if err != nil {
					Err.Printf("refresh error = %s\n", err)
					return
				}
				Out.Printf("[refresh] objects=%d\n", len(result.Objects))
			}))
		case event := <-client.RemoteEvents():
			switch event.Type {
			case canvassync.EventPresence:
				if event.Presence != nil {
					Out.Printf("[presence] %s active=%t cursor=%f,%f\n", event.Presence.UserId, event.Presence.Active, event.Presence.CursorX, event.Presence.CursorY)
				}
			default:
				Out.Printf("[%s] %s\n", event.Type, event.ObjectId)
			}
		case result := <-client.Results():
			Out.Printf("[result] %s %s success=%t method=%s\n", result.Mutation.ObjectId, result.Mutation.Kind, result.Result.Success, result.Result.Method)
		}
	}
}

func stats(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(ctx, opts)
	defer client.Close()

	if _, err := client.Sync(ctx); err != nil {
		Err.Printf("sync error = %s\n", err)
	}

	queueStats := client.QueueStats()
	syncStats := client.SyncStats()

	Out.Printf("connection: %s\n", client.ConnectionStatus())
	Out.Printf("objects: %d\n", len(client.DisplayObjects()))
	Out.Printf("queue: size=%d in_flight=%d succeeded=%d failed=%d terminal=%d\n",
		queueStats.QueueSize, queueStats.InFlightCount, queueStats.SucceededCount, queueStats.FailedCount, queueStats.TerminalCount)
	Out.Printf("sync: state=%s syncs=%d conflicts=%d unresolved=%d consistent=%t\n",
		syncStats.State, syncStats.SyncCount, syncStats.ConflictCount, syncStats.UnresolvedCount, syncStats.LastConsistent)
	for _, conflict := range client.Conflicts() {
		Out.Printf("conflict: %s resolution=%s\n", conflict.ObjectId, conflict.Resolution)
	}
	for _, failed := range client.FailedMutations() {
		Out.Printf("failed: %s %s = %s\n", failed.ObjectId, failed.Kind, failed.Err)
	}
}

func requireObjectId(opts docopt.Opts) canvassync.Id {
	objectIdStr, err := opts.String("--object_id")
	if err != nil {
		panic(err)
	}
	objectId, err := canvassync.ParseId(objectIdStr)
	if err != nil {
		panic(err)
	}
	return objectId
}

func requireFloat(opts docopt.Opts, key string) float64 {
	valueStr, err := opts.String(key)
	if err != nil {
		panic(err)
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		panic(err)
	}
	return value
}
