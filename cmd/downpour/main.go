// Command downpour downloads the payload of a torrent file and exits.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/log"
	"github.com/gosuri/uiprogress"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/cenkalti/downpour"
	"github.com/cenkalti/downpour/internal/logger"
	"github.com/cenkalti/downpour/torrent"
)

// Exit codes of the downpour command.
const (
	exitOK              = 0
	exitInvalidTorrent  = 1
	exitNoPeers         = 2
	exitUnrecoverable   = 3
	exitUserCancelation = 4
)

var app = cli.NewApp()

func main() {
	app.Name = "downpour"
	app.Usage = "downloads a torrent and exits"
	app.Version = downpour.Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			logger.SetLevel(log.DEBUG)
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "download",
			Usage:     "download the torrent file given as argument",
			ArgsUsage: "<torrent file>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "dest, w",
					Usage: "write downloaded files under `DIR`",
					Value: "./downloads",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "listen port for incoming peer connections",
				},
				cli.IntFlag{
					Name:  "max-peers",
					Usage: "max number of peers to connect",
					Value: torrent.DefaultConfig.MaxPeerDial,
				},
				cli.BoolFlag{
					Name:  "no-progress",
					Usage: "do not show a progress bar",
				},
			},
			Action: handleDownload,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func handleDownload(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("give a torrent file as argument", exitInvalidTorrent)
	}

	cfg := torrent.NewConfig()
	if path := c.GlobalString("config"); path != "" {
		cp, err := homedir.Expand(path)
		if err != nil {
			return err
		}
		err = cfg.LoadFile(cp)
		if err != nil {
			return err
		}
	}
	if port := c.Int("port"); port != 0 {
		cfg.PortBegin = uint16(port)
		cfg.PortEnd = uint16(port) + 1
	}
	cfg.MaxPeerDial = c.Int("max-peers")
	cfg.MaxPeerAccept = c.Int("max-peers")

	dest, err := homedir.Expand(c.String("dest"))
	if err != nil {
		return err
	}

	f, err := os.Open(c.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err.Error(), exitInvalidTorrent)
	}
	t, err := torrent.New(f, dest, *cfg)
	f.Close()
	if err != nil {
		if _, ok := err.(*torrent.InputError); ok {
			return cli.NewExitError(err.Error(), exitInvalidTorrent)
		}
		return cli.NewExitError(err.Error(), exitUnrecoverable)
	}

	t.Start()

	var bar *uiprogress.Bar
	if !c.Bool("no-progress") {
		bar = progressBar(t)
		defer uiprogress.Stop()
	}

	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if bar != nil {
				stats := t.Stats()
				_ = bar.Set(int(stats.PiecesDone))
			}
		case <-t.NotifyComplete():
			if bar != nil {
				stats := t.Stats()
				_ = bar.Set(int(stats.PiecesDone))
			}
			t.Close()
			return nil
		case err := <-t.NotifyError():
			t.Close()
			return exitError(err)
		case s := <-signalC:
			log.Noticeln("received signal:", s)
			t.Close()
			return cli.NewExitError("download canceled", exitUserCancelation)
		}
	}
}

func progressBar(t *torrent.Torrent) *uiprogress.Bar {
	uiprogress.Start()
	stats := t.Stats()
	bar := uiprogress.AddBar(int(stats.PiecesTotal))
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		s := t.Stats()
		return "pieces: " + strconv.Itoa(int(s.PiecesDone)) + "/" + strconv.Itoa(int(s.PiecesTotal)) +
			" peers: " + strconv.Itoa(s.PeersConnected) +
			" speed: " + fmt.Sprintf("%d KB/s", s.DownloadSpeed/1024)
	})
	return bar
}

func exitError(err error) error {
	switch err.(type) {
	case *torrent.IntegrityError:
		return cli.NewExitError(err.Error(), exitUnrecoverable)
	default:
		if err == torrent.ErrNoPeers {
			return cli.NewExitError(err.Error(), exitNoPeers)
		}
		return cli.NewExitError(err.Error(), exitUnrecoverable)
	}
}
