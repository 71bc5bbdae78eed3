// Command server is the Tak server process entry point. Grounded on
// go-kgp's cmd/server/main.go: flag parsing feeding a Conf, a
// -dump-config escape hatch, and explicit Prepare-style wiring of
// each subsystem before the process blocks — generalized here from
// Kalah's db/web/proto trio to this server's store/listen/web trio,
// plus the matchmaking and timeout sweepers the teacher ran as a
// single scheduler goroutine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tak-server/internal/app"
	"tak-server/internal/chat"
	"tak-server/internal/conf"
	"tak-server/internal/listen"
	"tak-server/internal/mail"
	"tak-server/internal/store/sqlite"
	"tak-server/internal/web"
)

const defaultConfFile = "server.toml"

func main() {
	c, err := conf.Load(defaultConfFile, defaultConfFile)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}
	c.RegisterFlags(flag.CommandLine)
	dumpConf := flag.Bool("dump-config", false, "print the effective configuration and exit")
	flag.Parse()

	if *dumpConf {
		if err := c.Dump(os.Stdout); err != nil {
			log.Fatalf("dumping configuration: %v", err)
		}
		return
	}

	if err := run(c); err != nil {
		log.Fatal(err)
	}
}

func run(c *conf.Conf) error {
	db, err := sqlite.Open(c.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	st := sqlite.NewStore(db)

	var mailer mail.Mailer = mail.Discard{}
	if c.Email.Host != "" {
		mailer = mail.SMTP{Conf: c.Email}
	}

	a := app.New(c, st, chat.WordListFilter{}, mailer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		c.Log.Println("shutting down")
		cancel()
	}()

	go a.Ongoing.RunSweeper(ctx)
	go a.Match.RunRematchSweeper(ctx.Done())
	go a.RunGuestSweeper(ctx, 10*time.Minute, c.Game.GuestIdleTTL)

	tcpAddr := fmt.Sprintf("%s:%d", c.Proto.Host, c.Proto.TCPPort)
	go func() {
		if err := listen.TCP(ctx, a, tcpAddr, c.Log); err != nil {
			c.Log.Printf("tcp listener stopped: %v", err)
		}
	}()

	wsAddr := fmt.Sprintf("%s:%d", c.Proto.Host, c.Proto.WSPort)
	wsMux := http.NewServeMux()
	wsMux.Handle("/socket", listen.WebSocket(a, c.Log))
	wsServer := &http.Server{Addr: wsAddr, Handler: wsMux}
	go func() {
		c.Log.Printf("websocket listener on %s", wsAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.Log.Printf("websocket listener stopped: %v", err)
		}
	}()

	var webServer *http.Server
	if c.Web.Enabled {
		webAddr := fmt.Sprintf("%s:%d", c.Proto.Host, c.Web.Port)
		webServer = &http.Server{Addr: webAddr, Handler: web.NewRouter(a)}
		go func() {
			c.Log.Printf("web admin listener on %s", webAddr)
			if err := webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.Log.Printf("web listener stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	wsServer.Close()
	if webServer != nil {
		webServer.Close()
	}
	return nil
}
