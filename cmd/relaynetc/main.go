// Command relaynetc is the relaynet file-transfer client: list, delete,
// get, and put subcommands driven against a relaynetd server.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/dkendall/relaynet/ftpclient"
	"github.com/dkendall/relaynet/lossy"
	"github.com/dkendall/relaynet/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "relaynetc"
	app.Usage = "talk to a relaynet file-transfer server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "server", Value: "127.0.0.1:9000", Usage: "server address"},
		cli.DurationFlag{Name: "timer-interval", Value: transport.DefaultTimerInterval, Usage: "retransmission timer interval"},
		cli.IntFlag{Name: "window", Value: transport.DefaultWindow, Usage: "send window size in segments"},
		cli.IntFlag{Name: "mss", Value: transport.DefaultMSS, Usage: "maximum segment size"},
		cli.Float64Flag{Name: "loss-rate", Usage: "simulate outbound datagram loss at this rate (0-1), for exercising retransmission"},
		cli.DurationFlag{Name: "max-delay", Usage: "simulate outbound datagram delay up to this duration"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress progress bars"},
	}

	app.Commands = []cli.Command{
		{
			Name:      "list",
			Usage:     "list files available on the server",
			ArgsUsage: " ",
			Action: func(c *cli.Context) error {
				client, err := dial(c)
				if err != nil {
					return err
				}
				defer client.Close()

				names, err := client.List()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			},
		},
		{
			Name:      "delete",
			Usage:     "delete a file on the server",
			ArgsUsage: "<name>",
			Action: func(c *cli.Context) error {
				name := c.Args().Get(0)
				if name == "" {
					return cli.NewExitError("relaynetc delete: missing <name>", 2)
				}
				client, err := dial(c)
				if err != nil {
					return err
				}
				defer client.Close()
				return client.Delete(name)
			},
		},
		{
			Name:      "get",
			Usage:     "download a file from the server, resuming a partial local copy",
			ArgsUsage: "<name> [local-path]",
			Action: func(c *cli.Context) error {
				name := c.Args().Get(0)
				if name == "" {
					return cli.NewExitError("relaynetc get: missing <name>", 2)
				}
				local := c.Args().Get(1)
				if local == "" {
					local = filepath.Base(name)
				}
				client, err := dial(c)
				if err != nil {
					return err
				}
				defer client.Close()
				return client.Get(name, local, !c.GlobalBool("quiet"))
			},
		},
		{
			Name:      "put",
			Usage:     "upload a file to the server, resuming from whatever the server already holds",
			ArgsUsage: "<local-path> [remote-name]",
			Action: func(c *cli.Context) error {
				local := c.Args().Get(0)
				if local == "" {
					return cli.NewExitError("relaynetc put: missing <local-path>", 2)
				}
				name := c.Args().Get(1)
				if name == "" {
					name = filepath.Base(local)
				}
				client, err := dial(c)
				if err != nil {
					return err
				}
				defer client.Close()
				return client.Put(local, name, !c.GlobalBool("quiet"))
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relaynetc:", err)
		os.Exit(1)
	}
}

// dial connects to the server named by the global --server flag, wrapping
// the client's outbound path with a lossy shim when --loss-rate or
// --max-delay is set, so the same binary can exercise retransmission by
// hand.
func dial(c *cli.Context) (*ftpclient.Client, error) {
	log := logrus.NewEntry(logrus.StandardLogger())

	opts := []transport.Option{
		transport.WithMSS(c.GlobalInt("mss")),
		transport.WithWindow(c.GlobalInt("window")),
		transport.WithTimerInterval(c.GlobalDuration("timer-interval")),
	}

	lossRate := c.GlobalFloat64("loss-rate")
	maxDelay := c.GlobalDuration("max-delay")
	if lossRate == 0 && maxDelay == 0 {
		return ftpclient.Dial(c.GlobalString("server"), log, opts...)
	}

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	conn := lossy.New(udpConn, lossy.Profile{LossRate: lossRate, MaxDelay: maxDelay})
	log.WithField("loss_rate", lossRate).WithField("max_delay", maxDelay).
		Info("relaynetc: simulating outbound loss/delay")
	return ftpclient.DialConn(conn, c.GlobalString("server"), log, opts...)
}
