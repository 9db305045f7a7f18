// Package temporal implements the workflow engine adapter backed by Temporal
// (https://temporal.io). It satisfies engine.Engine so the orchestration loop
// runs durably without importing the Temporal SDK directly.
//
// Each turn is one workflow execution whose id is the turn id. Session loads
// and saves, model calls, tool calls, approval bookkeeping and stream events
// are activities, so a worker that crashes mid-turn resumes from the last
// completed activity on another worker.
//
// # Constructing an Engine
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: "relay.turns",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// Processes that only start turns and resolve approvals use the same engine
// without registering the runtime workflows.
//
// # Delayed Activities
//
// ScheduleToolActivity starts an internal child workflow with the abandon
// parent close policy. The child sleeps in workflow time and then runs the
// tool activity, so the turn that scheduled it completes immediately.
//
// # Errors
//
// Terminal errors cross the Temporal boundary as non-retryable application
// errors whose type is the terminal code. The adapter converts them back on
// the workflow side and in WorkflowHandle.Wait, so errors.Is keeps matching
// engine sentinels.
package temporal
