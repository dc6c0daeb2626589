// Command lmtpd runs the LMTP delivery front-end: it accepts local
// deliveries and (optionally) proxies recipients to a remote LMTP/SMTP
// backend, per the configuration file given on the command line.
package main

import (
	"context"
	cryptorand "crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/lmtpd/anvil"
	"github.com/mjl-/lmtpd/config"
	"github.com/mjl-/lmtpd/daemon"
	"github.com/mjl-/lmtpd/dns"
	"github.com/mjl-/lmtpd/lmtpserver"
	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/moxvar"
	"github.com/mjl-/lmtpd/store"
)

func main() {
	log := mlog.New("lmtpd")

	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: lmtpd config.conf")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	configPath := flag.Arg(0)

	conf, err := config.ParseFile(configPath)
	if err != nil {
		log.Fatalx("parsing config file", err)
	}

	levels := map[string]mlog.Level{"": mlog.LevelInfo}
	if conf.LogLevel != "" {
		lvl, ok := mlog.Levels[conf.LogLevel]
		if !ok {
			log.Fatal("unknown log level", mlog.Field("level", conf.LogLevel))
		}
		levels[""] = lvl
	}
	for pkg, name := range conf.PackageLogLevels {
		lvl, ok := mlog.Levels[name]
		if !ok {
			log.Fatal("unknown log level", mlog.Field("pkg", pkg), mlog.Field("level", name))
		}
		levels[pkg] = lvl
	}
	mlog.SetConfig(levels)

	log.Print("starting", mlog.Field("version", moxvar.Version), mlog.Field("pid", os.Getpid()))

	rawDataDir := conf.DataDir
	if rawDataDir == "" {
		rawDataDir = "."
	}
	dataDir := daemon.ConfigDirPath(configPath, rawDataDir)
	if err := os.MkdirAll(dataDir, 0770); err != nil {
		log.Fatalx("creating data directory", err)
	}
	if err := os.MkdirAll(daemon.DataDirPath(configPath, rawDataDir, "mail/tmp"), 0770); err != nil {
		log.Fatalx("creating spill directory", err)
	}

	recvidPath := daemon.DataDirPath(configPath, rawDataDir, "receivedid.key")
	recvidBuf, err := os.ReadFile(recvidPath)
	if err != nil || len(recvidBuf) != 16+8 {
		recvidBuf = make([]byte, 16+8)
		if _, err := cryptorand.Read(recvidBuf); err != nil {
			log.Fatalx("reading random receivedid data", err)
		}
		if err := os.WriteFile(recvidPath, recvidBuf, 0660); err != nil {
			log.Fatalx("writing receivedid key", err)
		}
	}
	if err := daemon.ReceivedIDInit(recvidBuf[:16], recvidBuf[16:]); err != nil {
		log.Fatalx("initializing receivedid", err)
	}

	dbPath := daemon.DataDirPath(configPath, rawDataDir, "directory.db")
	mailDir := daemon.DataDirPath(configPath, rawDataDir, "mail")
	if err := os.MkdirAll(mailDir, 0770); err != nil {
		log.Fatalx("creating mail directory", err)
	}
	dir, err := store.OpenDirectory(context.Background(), dbPath, mailDir, log)
	if err != nil {
		log.Fatalx("opening directory database", err)
	}
	defer func() {
		if err := dir.Close(); err != nil {
			log.Errorx("closing directory database", err)
		}
	}()

	var anvilClient anvil.Client
	if conf.AnvilSocket != "" {
		anvilClient = anvil.SocketClient{Network: "unix", Address: conf.AnvilSocket}
	} else {
		anvilClient = anvil.LocalClient{Registry: anvil.NewRegistry()}
	}

	coll := lmtpserver.Collaborators{
		Directory:   dir,
		AnvilClient: anvilClient,
		Resolver:    dns.NewResolver(),
	}

	if err := lmtpserver.Listen(conf, coll); err != nil {
		log.Fatalx("setting up listeners", err)
	}

	if conf.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Print("serving metrics", mlog.Field("addr", conf.MetricsAddr))
			if err := http.ListenAndServe(conf.MetricsAddr, mux); err != nil {
				log.Errorx("metrics server stopped", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go lmtpserver.Serve(ctx)

	log.Print("ready to serve")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down", mlog.Field("signal", sig))
	cancel()
	daemon.Sleep(context.Background(), 200*time.Millisecond)
}
