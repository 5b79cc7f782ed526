package membership

// HealthReporter is implemented by membership services that can rate their
// own view of the group. The channel status snapshot reports the score as
// healthScore; services without one show -1 there.
type HealthReporter interface {
    // HealthScore is 0 when the service sees the group as healthy and grows
    // as peers stop answering. -1 means the service is not running.
    HealthScore() int
}
