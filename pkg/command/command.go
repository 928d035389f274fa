// Package command renders the spark-submit command line for a step.
package command

import (
	"strings"

	"sparkstep/pkg/params"
	"sparkstep/pkg/resolver"
)

// EntryPointClass is the driver class spark-submit launches. It reads the
// application class from the first application argument.
const EntryPointClass = "org.apache.kylin.engine.spark.util.SparkEntry"

// FormatArgs renders step parameters as application arguments. Each entry
// becomes "-name value". The class name always comes first and jars are left
// out since they belong to spark-submit.
func FormatArgs(p *params.Map) string {
	var head, rest strings.Builder
	for name, value := range p.All() {
		switch name {
		case params.KeyClassName:
			writeArg(&head, name, value)
		case params.KeyJars:
			continue
		default:
			writeArg(&rest, name, value)
		}
	}
	return strings.TrimRight(head.String()+rest.String(), " \t\r\n")
}

func writeArg(sb *strings.Builder, name, value string) {
	sb.WriteString("-")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString(" ")
}

// Build renders the full shell command for res and the step parameters.
func Build(res *resolver.Resolved, p *params.Map) string {
	var sb strings.Builder
	sb.WriteString("export HADOOP_CONF_DIR=")
	sb.WriteString(res.HadoopConfDir)
	sb.WriteString(" && ")
	sb.WriteString(res.SparkHome)
	sb.WriteString("/bin/spark-submit --class ")
	sb.WriteString(EntryPointClass)

	for key, value := range res.ConfOverride.All() {
		sb.WriteString(" --conf ")
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(value)
	}

	sb.WriteString(" --files ")
	sb.WriteString(res.HBaseConf)
	sb.WriteString(" --jars ")
	sb.WriteString(res.Jars)
	sb.WriteString(" ")
	sb.WriteString(res.JobJar)

	if args := FormatArgs(p); args != "" {
		sb.WriteString(" ")
		sb.WriteString(args)
	}
	return sb.String()
}
