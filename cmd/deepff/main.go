package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/opst/deepff/pkg/checkpoint"
	"github.com/opst/deepff/pkg/checkpoint/postgres"
	kconf "github.com/opst/deepff/pkg/configs/deepff"
	"github.com/opst/deepff/pkg/controller"
	"github.com/opst/deepff/pkg/corpus"
	"github.com/opst/deepff/pkg/dispatch"
	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/hook"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/launch"
	"github.com/opst/deepff/pkg/launch/k8s"
	"github.com/opst/deepff/pkg/logs"
	"github.com/opst/deepff/pkg/resources"
	"github.com/opst/deepff/pkg/stages"
	"github.com/opst/deepff/pkg/status"
	"github.com/opst/deepff/pkg/utils/args"
	"github.com/opst/deepff/pkg/utils/filewatch"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	// call cancel() when this function exits
	defer cancel()

	// define command line flags
	pconfig := flag.String(
		"config", os.Getenv("DEEPFF_CONFIG"), "path to config file",
	)
	pworkdir := flag.String(
		"workdir", ".", "work directory, where iterations and the checkpoint are placed",
	)
	pstatus := flag.Int(
		"status", -1, "port of the status server. 0 disables it. (default: as configured)",
	)
	launcherType := args.Parser(kconf.AsLauncherType)
	flag.Var(
		launcherType, "launcher",
		`where jobs run (local|kubernetes). (default: as configured)`,
	)
	flag.Parse()

	stderr := log.Default()

	conf, err := kconf.Load(*pconfig)
	if err != nil {
		stderr.Println(err)
		return exitCode(err)
	}

	workdir, err := filepath.Abs(*pworkdir)
	if err != nil {
		stderr.Println(err)
		return exitConfig
	}
	if err := os.MkdirAll(workdir, os.FileMode(0o755)); err != nil {
		stderr.Println(err)
		return exitConfig
	}

	slogger, closer, err := logs.New(logs.Options{
		Level:   conf.Logging().Level(),
		File:    filepath.Join(workdir, conf.Logging().File()),
		Journal: conf.Logging().Journal(),
	})
	if err != nil {
		stderr.Println(err)
		return exitConfig
	}
	defer closer.Close()
	logger := logs.Std(slogger)

	{
		// editing the config stops the run at a stage boundary.
		wctx, cancel, err := filewatch.UntilModifyContext(ctx, *pconfig)
		if err != nil {
			logger.Println(err)
			return exitConfig
		}
		defer cancel()
		ctx = wctx
	}

	store, err := openStore(ctx, conf, workdir)
	if err != nil {
		logger.Println(err)
		return exitCode(err)
	}
	defer store.Close()

	cp, err := controller.Prepare(ctx, logger, store, conf, workdir)
	if err != nil {
		logger.Println(err)
		return exitCode(err)
	}
	acc, err := corpus.Restore(cp.Ledger)
	if err != nil {
		logger.Println(err)
		return exitCode(err)
	}

	topo, err := discover(ctx, logger, conf, workdir)
	if err != nil {
		logger.Println(err)
		return exitCode(err)
	}
	layout := dispatch.SelectLayout(topo)
	logger.Printf("topology: %s (layout: %s)", topo, layout)

	runID := uuid.NewString()
	launcher, err := buildLauncher(
		conf, launcherType.Or(conf.Environment().Launcher().Type()), workdir, runID, logger,
	)
	if err != nil {
		logger.Println(err)
		return exitCode(err)
	}

	board := status.NewBoard(runID)
	board.Update(cp)
	board.SetTopology(topo, layout.String())

	port := int(conf.Status().Port())
	if 0 <= *pstatus {
		port = *pstatus
	}
	if 0 < port {
		e := status.BuildServer(board, conf.Logging().Level())
		e.Logger.SetOutput(io.Discard)
		go func() {
			if err := status.Serve(ctx, e, fmt.Sprintf(":%d", port)); err != nil {
				logger.Printf("status server stopped: %s", err)
			}
		}()
	}

	env := &stages.Env{
		Workdir:  workdir,
		Config:   conf,
		Topology: topo,
		Launcher: launcher,
		Corpus:   acc,
		Logger:   logger,
	}
	ctrl := controller.New(
		env, store,
		&hook.Web[controller.Event]{
			BeforeURL: conf.Hooks().Before(),
			AfterURL:  conf.Hooks().After(),
		},
		runID,
	)
	ctrl.OnSave = board.Update

	logger.Printf("start run %s at iteration %d / %s", runID, cp.State.Iteration, cp.State.Stage)
	last, err := ctrl.Run(ctx, cp.State)

	code := exitCode(err)
	switch {
	case err == nil:
		logger.Printf("converged at iteration %d", last.Iteration)
	case code == exitOK:
		logger.Printf(
			"stopped at iteration %d / %s: %s (cause: %v)",
			last.Iteration, last.Stage, err, context.Cause(ctx),
		)
	default:
		logger.Printf("iteration %d / %s: %s", last.Iteration, last.Stage, err)
	}
	return code
}

func openStore(ctx context.Context, conf *kconf.Config, workdir string) (iteration.Store, error) {
	cc := conf.Checkpoint()
	switch cc.Type() {
	case kconf.PostgresCheckpoint:
		return postgres.New(ctx, cc.Database(), cc.Name())
	default:
		return checkpoint.NewFile(workdir), nil
	}
}

func discover(ctx context.Context, logger *log.Logger, conf *kconf.Config, workdir string) (resources.Topology, error) {
	rc := conf.Environment().Resources()

	static := make([]resources.Host, 0, len(rc.Hosts()))
	for _, h := range rc.Hosts() {
		host := resources.Host{Name: h.Name(), Devices: []resources.Device{}}
		for _, d := range h.Devices() {
			host.Devices = append(host.Devices, resources.Device{ID: d.ID(), Usage: d.Usage()})
		}
		static = append(static, host)
	}

	inv := &resources.Inventory{
		Workdir:        workdir,
		Static:         static,
		ProcessorCount: rc.ProcessorCount(),
		RemoteShell:    rc.RemoteShell(),
		Logger:         logs.Prefixed(logger, "[resources] "),
	}
	topo, err := inv.Discover(ctx)
	if err != nil {
		return resources.Topology{}, err
	}
	return resources.Usable(topo, conf.Environment().MaxDeviceUsage())
}

func buildLauncher(
	conf *kconf.Config, typ kconf.LauncherType, workdir string, runID string, logger *log.Logger,
) (launch.Launcher, error) {
	switch typ {
	case kconf.KubernetesLauncher:
		kc := conf.Environment().Launcher().Kubernetes()
		if kc == nil {
			return nil, xe.Configuration(
				"(root).environment.launcher.kubernetes", "required to launch jobs on kubernetes",
			)
		}
		clientset, err := k8s.ConnectToK8s(kc.Kubeconfig())
		if err != nil {
			return nil, err
		}
		return &k8s.Launcher{
			Client:       k8s.WrapK8sClient(clientset),
			Namespace:    kc.Namespace(),
			Image:        kc.Image(),
			Workdir:      workdir,
			WorkdirMount: kc.WorkdirMount(),
			GPUResource:  kc.GPUResource(),
			RunID:        runID,
			Logger:       logs.Prefixed(logger, "[k8s] "),
		}, nil
	default:
		return &launch.Process{
			RemoteShell: conf.Environment().Resources().RemoteShell(),
			Logger:      logs.Prefixed(logger, "[launch] "),
		}, nil
	}
}
