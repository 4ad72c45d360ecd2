// Package supervisor keeps the long-running background loops alive. Failed
// loops restart with exponential backoff until a restart budget runs out,
// after which the fault surfaces to the caller and the health snapshot
// reports the loop as dead.
package supervisor
