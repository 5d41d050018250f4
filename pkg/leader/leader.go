// Package leader wraps client-go's Lease-based leader election,
// repurposed from cluster-wide controller leadership to per-partition
// primary leadership: only the instance holding the lease for a given
// partition runs that partition's Orchestrator.
package leader

import (
	"context"
	"fmt"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/klog/v2"

	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
)

// Config parameterizes one partition's leader election.
type Config struct {
	// Partition identifies which migration this lease guards; it
	// becomes part of the Lease object's name so multiple partitions
	// on the same cluster elect independently.
	Partition string

	// Namespace is the namespace the Lease object lives in.
	Namespace string

	// Identity is this process's candidate identity, typically
	// hostname-pid.
	Identity string
}

// Run blocks until this process has acquired and then lost the
// partition-primary lease, starting fn once, in its own goroutine,
// when the lease is acquired. fn's context is cancelled the instant
// leadership is lost, so a long-running Orchestrator.Run must select
// on ctx.Done(). Run returns when parent is cancelled or when the
// lease is lost; it does not try to reacquire the lease, and it may
// return before fn has.
func Run(parent context.Context, client kubernetes.Interface, cfg Config, settings migration.MigrationSettings, fn func(ctx context.Context)) error {
	identity := cfg.Identity
	if identity == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determining leader identity: %w", err)
		}
		identity = fmt.Sprintf("%s_%d", host, os.Getpid())
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("migration-orchestrator-%s", cfg.Partition),
			Namespace: cfg.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: identity,
		},
	}

	leaderelection.RunOrDie(parent, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   settings.LeaseDuration,
		RenewDeadline:   settings.RenewDeadline,
		RetryPeriod:     settings.RetryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				klog.FromContext(ctx).Info("acquired partition-primary lease", "partition", cfg.Partition, "identity", identity)
				fn(ctx)
			},
			OnStoppedLeading: func() {
				klog.FromContext(parent).Info("lost partition-primary lease", "partition", cfg.Partition, "identity", identity)
			},
			OnNewLeader: func(newIdentity string) {
				if newIdentity != identity {
					klog.FromContext(parent).Info("observed new partition primary", "partition", cfg.Partition, "identity", newIdentity)
				}
			},
		},
	})

	return nil
}
