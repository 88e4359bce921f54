/*
Package logging implements application logging for the gateway.

The application log uses the standard logger of logrus. Init sets its
output, level, format and an optional prefix, which makes the entries of
the gateway distinguishable when they are mixed with other output:

	logging.Init(logging.Options{
		ApplicationLogPrefix: "[APP]",
		ApplicationLogLevel:  logrus.DebugLevel,
	})

Components accept a Logger, so that tests can observe what they report.
When none is set, they use DefaultLog, backed by the standard logrus
logger.
*/
package logging
