// Command datacopy runs the copy job coordinator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/app"
	"github.com/goliatone/go-datacopy/config"
	"github.com/goliatone/go-datacopy/workflow"
)

type CLI struct {
	Config string `help:"Path to the YAML config file." type:"path" short:"c" env:"DATACOPY_CONFIG"`

	Serve  ServeCmd  `cmd:"" help:"Run the coordinator and its HTTP API."`
	Submit SubmitCmd `cmd:"" help:"Start a copy job execution and print it."`
	Rename RenameCmd `cmd:"" help:"Rename a copied file and print the execution."`
}

type ServeCmd struct{}

func (c *ServeCmd) Run(ctx context.Context, a *app.App) error {
	return a.Serve(ctx)
}

type SubmitCmd struct {
	Sources     []string `arg:"" optional:"" name:"source" help:"Source object or folder URIs."`
	External    []string `name:"external" short:"e" help:"External file manager URIs to upload."`
	Destination string   `required:"" short:"d" help:"Destination folder URI, ending in /."`
}

func (c *SubmitCmd) Run(ctx context.Context, a *app.App, out io.Writer) error {
	exec, err := a.Submit(ctx, workflow.CopyRequest{
		SourceURIs:         c.Sources,
		ExternalSourceURIs: c.External,
		DestinationURI:     c.Destination,
	})
	return printExecution(out, exec, err)
}

type RenameCmd struct {
	Sources     []string `arg:"" optional:"" name:"source" help:"Source URIs of the finished copy."`
	External    []string `name:"external" short:"e" help:"External file manager URIs of the finished copy."`
	Destination string   `required:"" short:"d" help:"Destination folder URI of the finished copy."`
	Input       string   `required:"" name:"input-file-uri" help:"Source URI of the file to rename."`
	Output      string   `required:"" name:"output-file-name" help:"New file name, without any path."`
}

func (c *RenameCmd) Run(ctx context.Context, a *app.App, out io.Writer) error {
	exec, err := a.Rename(ctx, workflow.RenameRequest{
		SourceURIs:         c.Sources,
		ExternalSourceURIs: c.External,
		DestinationURI:     c.Destination,
		InputFileURI:       c.Input,
		OutputFileName:     c.Output,
	})
	return printExecution(out, exec, err)
}

func printExecution(out io.Writer, exec workflow.Execution, err error) error {
	if exec.ID != "" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(exec); encErr != nil {
			return encErr
		}
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "datacopy: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	tasks := datacopy.NewRegistry().SetCronRegister(datacopy.NilCronRegister)
	for _, task := range app.Tasks(nil) {
		if err := tasks.RegisterCommand(task); err != nil {
			return err
		}
	}
	if err := tasks.Initialize(); err != nil {
		return err
	}
	taskOptions, err := tasks.GetCLIOptions()
	if err != nil {
		return err
	}

	var cli CLI
	options := append([]kong.Option{
		kong.Name("datacopy"),
		kong.Description("Coordinates copy jobs between object stores."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	}, taskOptions...)
	parser, err := kong.New(&cli, options...)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, app.WithLogWriter(stderr))
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := a.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			a.Logger.Error("shutdown: %v", stopErr)
		}
	}()

	kctx.Bind(a)
	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.BindTo(stdout, (*io.Writer)(nil))
	return kctx.Run()
}
