// Package runner executes task specs handed over by the scheduler.
//
// A Runner keeps a bounded queue drained by a fixed number of workers. Each
// task gets its own work directory holding inventory.json and config.json;
// scripts run in order through an Executor and every outcome is reported
// back through the Reporter. Internal scripts are delegated to the Reporter
// itself.
//
// Cancel stops a task after its current script. The current script is
// killed only when it allows termination.
package runner
