// Package recurrence resolves recurrence rules into concrete fire instants.
//
// All computation happens in the rule's timezone; results are converted
// back to the caller's location.
package recurrence
