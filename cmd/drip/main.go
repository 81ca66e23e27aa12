package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/log"
	"github.com/chiral-network/drip/drip"
	"github.com/chiral-network/drip/driprpc"
	"github.com/chiral-network/drip/internal/jsonutil"
	"github.com/chiral-network/drip/internal/logger"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"
)

var (
	app = cli.NewApp()
	clt *driprpc.Client
	cfg = drip.DefaultConfig
)

func main() {
	app.Version = drip.Version
	app.Usage = "Resumable file download client"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: "~/.drip/config.yaml",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:   "server",
			Usage:  "run drip session server",
			Action: handleServer,
		},
		{
			Name:  "client",
			Usage: "send commands to a drip session server",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "url",
					Usage: "URL of RPC server",
					Value: fmt.Sprintf("http://%s:%d", drip.DefaultConfig.RPCHost, drip.DefaultConfig.RPCPort),
				},
			},
			Before: handleBeforeClientCommand,
			Subcommands: []cli.Command{
				{
					Name:      "add",
					Usage:     "add a new download",
					ArgsUsage: "<source URL> <destination path>",
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "id",
							Usage: "if id is not given, a unique id is automatically generated",
						},
						cli.StringFlag{
							Name:  "sha256",
							Usage: "expected hash of the completed file, hex or multihash encoded",
						},
					},
					Action: handleAdd,
				},
				{
					Name:   "list",
					Usage:  "list downloads in the session",
					Action: handleList,
				},
				{
					Name:      "pause",
					Usage:     "pause a running download",
					ArgsUsage: "<download id>",
					Action:    handlePause,
				},
				{
					Name:      "resume",
					Usage:     "resume a paused or failed download",
					ArgsUsage: "<download id>",
					Action:    handleResume,
				},
				{
					Name:      "remove",
					Usage:     "remove a download and its partial data",
					ArgsUsage: "<download id>",
					Action:    handleRemove,
				},
				{
					Name:      "status",
					Usage:     "print status of a download",
					ArgsUsage: "<download id>",
					Action:    handleStatus,
				},
				{
					Name:   "stats",
					Usage:  "print session statistics",
					Action: handleStats,
				},
				{
					Name:   "version",
					Usage:  "print server version",
					Action: handleVersion,
				},
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	if c.GlobalBool("debug") {
		logger.SetLevel(log.DEBUG)
	}
	configPath := c.GlobalString("config")
	if configPath != "" {
		cp, err := homedir.Expand(configPath)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(cp)
		switch {
		case os.IsNotExist(err):
			log.Debugf("config file not found at %q, using default config", cp)
		case err != nil:
			return err
		default:
			err = yaml.Unmarshal(b, &cfg)
			if err != nil {
				return err
			}
			log.Infoln("Loaded config file:", cp)
		}
	}
	return nil
}

func handleBeforeClientCommand(c *cli.Context) error {
	clt = driprpc.NewClient(c.String("url"))
	return nil
}

func handleServer(c *cli.Context) error {
	ses, err := drip.NewSession(cfg)
	if err != nil {
		return err
	}
	defer ses.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	s := <-ch
	log.Noticef("received %s, stopping server", s)
	return nil
}

func handleAdd(c *cli.Context) error {
	source, dest := c.Args().Get(0), c.Args().Get(1)
	if source == "" || dest == "" {
		return cli.NewExitError("give a source URL and a destination path", 1)
	}
	d, err := clt.AddDownload(source, dest, &driprpc.AddDownloadOptions{
		ID:           c.String("id"),
		ExpectedHash: c.String("sha256"),
	})
	if err != nil {
		return err
	}
	fmt.Println(d.ID)
	return nil
}

func handleList(c *cli.Context) error {
	downloads, err := clt.ListDownloads()
	if err != nil {
		return err
	}
	for _, d := range downloads {
		fmt.Printf("%s %s -> %s\n", d.ID, d.Source, d.Destination)
	}
	return nil
}

func handlePause(c *cli.Context) error {
	id := c.Args().Get(0)
	if id == "" {
		return cli.NewExitError("give a download id", 1)
	}
	return clt.PauseDownload(id)
}

func handleResume(c *cli.Context) error {
	id := c.Args().Get(0)
	if id == "" {
		return cli.NewExitError("give a download id", 1)
	}
	return clt.ResumeDownload(id)
}

func handleRemove(c *cli.Context) error {
	id := c.Args().Get(0)
	if id == "" {
		return cli.NewExitError("give a download id", 1)
	}
	return clt.RemoveDownload(id)
}

func handleStatus(c *cli.Context) error {
	id := c.Args().Get(0)
	if id == "" {
		return cli.NewExitError("give a download id", 1)
	}
	st, err := clt.GetDownloadStatus(id)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func handleStats(c *cli.Context) error {
	stats, err := clt.GetSessionStats()
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func handleVersion(c *cli.Context) error {
	version, err := clt.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Println(version)
	return nil
}

func printJSON(v interface{}) error {
	b, err := jsonutil.MarshalCompactPretty(v)
	if err != nil {
		return err
	}
	_, err = fmt.Println(string(b))
	return err
}
