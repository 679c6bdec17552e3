package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/blelink/ble"
	"github.com/davidroman0O/blelink/eventhub"
)

var (
	serveListen  string
	serveDevices []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manager and stream its events over websocket",
	Long: `Runs the update loop until interrupted and serves every manager event as JSON
on ws://<listen>/events. Devices named with --device are connected at start and
kept connected by the reconnect policy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.EventHub.Listen = serveListen
		}
		log := newLogger(cfg)

		r, err := newRadio(cfg, log, serveDevices...)
		if err != nil {
			return err
		}
		m, err := ble.NewManager(cfg, r, ble.WithLogger(log))
		if err != nil {
			return err
		}
		defer m.Close()

		hub := eventhub.New(eventhub.WithLogger(log.WithFields(map[string]interface{}{"component": "eventhub"})))
		hub.Attach(m)
		defer hub.Close()

		for _, addr := range serveDevices {
			addr := addr
			m.Post(func() {
				d, err := m.NewDevice(addr)
				if err != nil {
					log.Error("serve: %v", err)
					return
				}
				d.Connect(nil, nil, nil)
			})
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 3)
		go func() { errc <- m.Run(ctx) }()
		go func() { errc <- hub.Run(ctx) }()
		go func() { errc <- hub.ListenAndServe(ctx, cfg.EventHub.Listen) }()
		log.Info("serving events on ws://%s/events", cfg.EventHub.Listen)

		err = <-errc
		stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address for the event hub (default from config)")
	serveCmd.Flags().StringSliceVarP(&serveDevices, "device", "d", nil, "Device address to connect at start (repeatable)")
}
