// Package container is the Docker lifecycle adapter used to provision shops.
//
// The Manager wraps the Docker Engine API with the handful of operations the
// provisioning orchestrator and the translation pipeline need: creating and
// removing networks and containers, inspecting them, running commands inside
// them with a bounded timeout, and copying files in.
//
// # Typed results
//
// Exec returns an ExecResult carrying the exit code, captured output and a
// TimedOut flag. Callers decide what a non-zero exit means; runtime failures
// (daemon unreachable, container missing) are returned as errors matching
// shopkeep.ErrExternal.
//
// # Labels
//
// Every network and container created through the Manager carries
// shopkeep.managed-by=shopkeep. The orchestrator adds shopkeep.site so that
// leftovers of a failed attempt can be found and removed before a retry.
//
// # Example
//
//	cm, err := container.NewManager(container.WithExecTimeout(time.Minute))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cm.Close()
//
//	res, err := cm.Exec(ctx, "shopkeep-demo1-wp", container.ExecSpec{
//	    Cmd: []string{"wp", "core", "version", "--allow-root"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Stdout)
package container
