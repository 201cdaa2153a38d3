// Package orchestrator keeps every instance's trigger runner in step with
// the task store and the cluster job store.
//
// One instance at a time performs the expensive load (lock
// "orchestrator.load"): it resolves next fire times and writes triggers.
// Every instance then mirrors the non-paused triggers into a local
// robfig/cron runner. When a trigger fires on several instances, the job
// store claim lets exactly one of them run the task.
package orchestrator
