package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/nbsync/connect"
	"github.com/bringyour/nbsync/protocol"
)

const DefaultUrl = "ws://localhost:1234/ws"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Notebook sync control.

The default url is:
    url: %s

Usage:
    connectctl ping [--url=<url>] [--jwt=<jwt> | --ask_jwt]
    connectctl watch [--url=<url>] [--notebook=<notebook_id>] [--jwt=<jwt> | --ask_jwt]
        [--binary]
        [--metrics_port=<metrics_port>]
    connectctl set-bond [--url=<url>] [--notebook=<notebook_id>] [--jwt=<jwt> | --ask_jwt]
        [--binary]
        [--metrics_port=<metrics_port>]
        <name>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Notebook server websocket url.
    --notebook=<notebook_id>         Notebook id. Defaults to the notebook in the jwt.
    --jwt=<jwt>                      Bearer jwt for the notebook server.
    --ask_jwt                        Read the jwt from the terminal without echo.
    --binary                         Use the binary envelope codec.
    --metrics_port=<metrics_port>    Serve prometheus metrics on this port.`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if ping_, _ := opts.Bool("ping"); ping_ {
		ping(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if setBond_, _ := opts.Bool("set-bond"); setBond_ {
		setBond(opts)
	}
}

func ping(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	url := optUrl(opts)
	probeUrl, err := connect.ProbeUrl(url)
	if err != nil {
		panic(err)
	}

	auth := optAuth(opts)
	probe := connect.NewLivenessProbe(probeUrl, auth.Header(), 5*time.Second)
	if probe.Healthy(ctx) {
		fmt.Printf("%s online\n", probeUrl)
	} else {
		fmt.Printf("%s not ready\n", probeUrl)
		os.Exit(1)
	}
}

// print every document revision
func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session := newSession(ctx, opts)
	defer session.Close()
	mirror := connect.NewNotebookMirrorWithDefaults(ctx, session)
	defer mirror.Close()

	serveMetrics(ctx, opts)

	session.AddConnectionCallback(func(connected bool) {
		printJson(map[string]any{
			"client_id": session.ClientId(),
			"connected": connected,
		})
	})
	session.AddNavigationRequiredCallback(func(err error) {
		fmt.Fprintf(os.Stderr, "%s = %s\n", session.NotebookId(), err)
		cancel()
	})
	mirror.Document().AddRevisionCallback(func(revision *connect.DocumentRevision) {
		printJson(map[string]any{
			"revision": revision.Revision,
			"notebook": revision.Root,
		})
	})
	mirror.Document().AddConflictCallback(func(err *connect.PatchConflictError) {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	})

	session.Start()
	<-ctx.Done()
}

// read json values from stdin, one per line, and commit them to the bond
func setBond(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	name, _ := opts.String("<name>")

	session := newSession(ctx, opts)
	defer session.Close()
	mirror := connect.NewNotebookMirrorWithDefaults(ctx, session)
	defer mirror.Close()

	serveMetrics(ctx, opts)

	values := connect.NewLatestValue()
	element := connect.NewElementHandle()
	unregister := mirror.Bonds().Register(name, element, values)
	defer unregister()

	mirror.Bonds().AddCommitCallback(func(name string, value any) {
		printJson(map[string]any{
			"name":  name,
			"value": value,
		})
	})

	session.Start()

	go func() {
		defer values.Close()
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var value any
			if err := json.Unmarshal(line, &value); err != nil {
				fmt.Fprintf(os.Stderr, "skip %s = %s\n", line, err)
				continue
			}
			values.Push(value)
		}
	}()

	<-ctx.Done()
}

func newSession(ctx context.Context, opts docopt.Opts) *connect.Session {
	url := optUrl(opts)
	auth := optAuth(opts)

	notebookId, _ := opts.String("--notebook")
	if notebookId == "" && auth.ByJwt != "" {
		if byJwt, err := connect.ParseByJwtUnverified(auth.ByJwt); err == nil {
			if byJwt.Expired(time.Now()) {
				fmt.Fprintf(os.Stderr, "jwt expired at %s\n", byJwt.ExpiresAt)
			}
			notebookId = byJwt.NotebookId
		}
	}

	settings := connect.DefaultSessionSettings()
	settings.Auth = auth
	if binary, _ := opts.Bool("--binary"); binary {
		settings.Codec = &protocol.StructCodec{}
	}

	return connect.NewSession(ctx, url, notebookId, settings)
}

func optUrl(opts docopt.Opts) string {
	if url, _ := opts.String("--url"); url != "" {
		return url
	}
	return DefaultUrl
}

func optAuth(opts docopt.Opts) *connect.ClientAuth {
	auth := &connect.ClientAuth{
		AppVersion: RequireVersion(),
	}
	if jwt, _ := opts.String("--jwt"); jwt != "" {
		auth.ByJwt = jwt
	} else if askJwt, _ := opts.Bool("--ask_jwt"); askJwt {
		fmt.Print("Enter jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		auth.ByJwt = string(jwtBytes)
		fmt.Printf("\n")
	}
	return auth
}

func serveMetrics(ctx context.Context, opts docopt.Opts) {
	port, err := opts.Int("--metrics_port")
	if err != nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("metrics server = %s\n", err)
		}
	}()
	go func() {
		<-ctx.Done()
		metricsServer.Shutdown(context.Background())
	}()
}

// indented on a terminal, one json line otherwise
func printJson(value any) {
	var out []byte
	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		out, err = json.MarshalIndent(value, "", "  ")
	} else {
		out, err = json.Marshal(value)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return
	}
	fmt.Printf("%s\n", out)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// handle Ctrl+C for graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func RequireVersion() string {
	if version := os.Getenv("NBSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
