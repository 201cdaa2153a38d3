// Package balancer spreads the fire times of range-bound recurrences over
// their TimeRange so that no more than a ceiling of tasks start together.
//
// Compute is the pure slot assignment. Service loads ranges and tasks,
// applies a plan under the cluster lock "balancer.<name>" and hands
// changed tasks back to the orchestrator for re-registration.
package balancer
