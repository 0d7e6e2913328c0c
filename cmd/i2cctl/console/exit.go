package console

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func Exit(code int, msg string, args ...interface{}) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf(msg, args...), code)
}

// Fail turns a transfer error into exit code 1 with a red message.
func Fail(what string, err error) cli.ExitCoder {
	return Exit(1, "%s failed: %s", what, Red(err))
}
