package metrics

// Config labels exported metrics with the owning service.
type Config struct {
	ServiceName string
	Environment string
}
