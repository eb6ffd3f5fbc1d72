package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"tcprelay"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = "Usage: relay [-c CONFIG] [OPTION] [args]..." +
	"\r\n\t--help\t\t\tprint this message" +
	"\r\n\t--server HOST:PORT\tstart server" +
	"\r\n\t--connect HOST:PORT\tconnect to server" +
	"\r\n\t-c CONFIG\t\tpath to .toml or .yaml configuration file\n"

var errInvalidArgs = errors.New("use --help to see available commands")

type command int8

const (
	cmdHelp = command(iota + 1)
	cmdServer
	cmdConnect
)

type invocation struct {
	command    command
	address    string
	configPath string
}

func parseArgs(args []string) (invocation, error) {
	inv := invocation{}
	flags := flag.NewFlagSet("relay", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	help := flags.Bool("help", false, "print this message")
	server := flags.String("server", "", "start server")
	connect := flags.String("connect", "", "connect to server")
	flags.StringVar(&inv.configPath, "c", "", "path to configuration file.")
	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			inv.command = cmdHelp
			return inv, nil
		}
		return inv, errInvalidArgs
	}
	switch {
	case *help:
		inv.command = cmdHelp
	case flags.NArg() > 0:
		return inv, errInvalidArgs
	case *server != "" && *connect != "":
		return inv, errInvalidArgs
	case *server != "":
		inv.command = cmdServer
		inv.address = *server
	case *connect != "":
		inv.command = cmdConnect
		inv.address = *connect
	default:
		return inv, errInvalidArgs
	}
	return inv, nil
}

func initLog(config *tcprelay.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(config.LogLevel())
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func run(args []string, stdin *os.File, stdout io.Writer) int {
	inv, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(stdout, err)
		return 1
	}
	if inv.command == cmdHelp {
		fmt.Fprint(stdout, usage)
		return 0
	}
	config := tcprelay.DefaultConfig()
	if inv.configPath != "" {
		config, err = tcprelay.LoadConfig(inv.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[] ERROR: %+v\n", err)
			return 1
		}
	}
	initLog(config)
	log.Info().Msgf("[] PID %d", os.Getpid())

	addr, err := net.ResolveTCPAddr("tcp", inv.address)
	if err != nil {
		log.Error().Msgf("[] ERROR: Failed to parse socket address %q: %+v", inv.address, err)
		return 1
	}
	if _, err := tcprelay.RaiseOpenFilesLimit(config.Relay.MaxOpenFiles); err != nil {
		log.Warn().Msgf("can't raise open files limit: %+v", err)
	}
	mode := tcprelay.ModeServer
	if inv.command == cmdConnect {
		mode = tcprelay.ModeClient
	}
	reactor, err := tcprelay.NewReactor(tcprelay.Options{
		Mode:       mode,
		Address:    addr,
		ConsoleIn:  stdin,
		ConsoleOut: stdout,
		Config:     config,
	})
	if err != nil {
		log.Error().Msgf("%v", err)
		return 1
	}
	defer reactor.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		sig, ok := <-signals
		if ok {
			log.Info().Msgf("received %s, stopping relay", sig)
			reactor.Stop()
		}
	}()

	if err := reactor.Run(); err != nil {
		log.Error().Msgf("%v", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}
