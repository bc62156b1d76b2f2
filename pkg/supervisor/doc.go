// Package supervisor keeps a fixed-size fleet of worker processes running.
//
// The supervisor owns one WorkerRecord per live process. Every state change
// flows through a single control loop: online reports, exits, delayed
// respawns and the shutdown request. An exit while the fleet is running is
// a crash and the slot is refilled, immediately the first time and with
// exponential backoff while the slot keeps crashing quickly. Once the
// fleet drain begins nothing is respawned; workers receive a shutdown
// command and those still alive after ShutdownTimeout are killed.
//
//	sup, err := supervisor.New(&supervisor.ExecSpawner{Args: []string{"worker"}}, supervisor.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	err = sup.Run(ctx) // returns after ctx is cancelled and the fleet drained
package supervisor
