package logging

const (
	NameSlashingProtector = "SlashingProtector"
	NameRegistry          = "ValidatorRegistry"
	NameTxRetryer         = "TxRetryer"
	NamePruner            = "Pruner"
	NameValidatorManager  = "ValidatorManager"
	NameKeyStorage        = "KeyStorage"
	NameInterchange       = "Interchange"
	NameMetricsHandler    = "MetricsHandler"
	NameObservability     = "Observability"

	NameBadgerDB    = "BadgerDB"
	NameBadgerDBLog = "BadgerDBLog"
	NamePebbleDB    = "PebbleDB"
	NamePostgresDB  = "PostgresDB"
)
