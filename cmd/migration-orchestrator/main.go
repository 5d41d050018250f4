// Command migration-orchestrator drives one partition's live
// migration of an actor service's keyspace from the legacy KVS
// controller to the replicated-collection store, and serves the
// destination's /migration/result and /migration/abort HTTP surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/openshift/kvs-migration-orchestrator/pkg/apiserver"
	"github.com/openshift/kvs-migration-orchestrator/pkg/config"
	"github.com/openshift/kvs-migration-orchestrator/pkg/leader"
	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore/memstore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/orchestrator"
	"github.com/openshift/kvs-migration-orchestrator/pkg/phase"
	"github.com/openshift/kvs-migration-orchestrator/pkg/sourceclient"
	"github.com/openshift/kvs-migration-orchestrator/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/migration-orchestrator/settings.yaml", "path to the migration settings YAML file")
	partition  = flag.String("partition", "default", "partition identifier, used to namespace the leader-election lease")
	namespace  = flag.String("namespace", "kvs-migration", "namespace the leader-election lease lives in")
	listenAddr = flag.String("listen-addr", ":8443", "address the destination HTTP surface listens on")
	kubeconfig = flag.String("kubeconfig", "", "path to a kubeconfig; empty uses in-cluster config")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	logger := klog.NewKlogr().WithName("migration-orchestrator").WithValues("partition", *partition)
	ctx := klog.NewContext(context.Background(), logger)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		logger.Error(err, "migration-orchestrator exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	kubeClient, err := buildKubeClient(*kubeconfig)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	// The production metadata store and the destination's
	// replicated-collection state provider are both narrow external
	// interfaces (metadatastore.Transactor / worker.StateProvider).
	// This process wires the in-memory reference implementations by
	// default; a production deployment supplies its own Transactor
	// and StateProvider backed by the real replicated store.
	dict := metadatastore.New(memstore.New())

	sourceClient, err := sourceclient.NewClient(settings.SourceServiceURI, sourceclient.ClientConfig{
		Timeout:               settings.RequestTimeout,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * settings.RequestTimeout,
		TLSHandshakeTimeout:   10 * settings.RequestTimeout / 3,
		ResponseHeaderTimeout: settings.RequestTimeout,
		MaxRetries:            settings.MaxRetries,
		RetryBaseDelay:        settings.RetryBaseDelay,
	})
	if err != nil {
		return err
	}

	state := &noopStateProvider{}
	workload := phase.New(dict, sourceClient, sourceClient, state).SetMetrics(metrics)
	orch := orchestrator.New(dict, workload, sourceClient, settings).SetMetrics(metrics)

	srv := apiserver.NewServerWithGatherer(*listenAddr, orch, reg)
	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- srv.Start(ctx) }()

	leaderCfg := leader.Config{Partition: *partition, Namespace: *namespace}
	if err := leader.Run(ctx, kubeClient, leaderCfg, settings, func(leaderCtx context.Context) {
		if err := orch.Run(leaderCtx); err != nil && leaderCtx.Err() == nil {
			logger.Error(err, "orchestrator run failed")
		}
	}); err != nil {
		return err
	}

	return <-srvErrCh
}

func buildKubeClient(kubeconfigPath string) (kubernetes.Interface, error) {
	var cfg *rest.Config
	var err error
	if kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}

// noopStateProvider is the default worker.StateProvider used when no
// production replicated-collection client is configured; it accepts
// every record without persisting it, so the binary can run end to
// end (and serve /migration/result) against the in-memory metadata
// store used for local/dev runs.
type noopStateProvider struct{}

func (noopStateProvider) Apply(ctx context.Context, sn int64, key, value string) error {
	return nil
}
