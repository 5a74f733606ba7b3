// Package all links every bundled plugin into the binary.
package all

import (
	_ "github.com/synqronlabs/rook/plugins/authfile"
	_ "github.com/synqronlabs/rook/plugins/concurrency"
	_ "github.com/synqronlabs/rook/plugins/countunrecognized"
	_ "github.com/synqronlabs/rook/plugins/dkim"
	_ "github.com/synqronlabs/rook/plugins/dmarc"
	_ "github.com/synqronlabs/rook/plugins/dnsbl"
	_ "github.com/synqronlabs/rook/plugins/fcrdns"
	_ "github.com/synqronlabs/rook/plugins/ipfilter"
	_ "github.com/synqronlabs/rook/plugins/karma"
	_ "github.com/synqronlabs/rook/plugins/queue"
	_ "github.com/synqronlabs/rook/plugins/rcptmap"
	_ "github.com/synqronlabs/rook/plugins/rcptok"
	_ "github.com/synqronlabs/rook/plugins/sqllog"
)
