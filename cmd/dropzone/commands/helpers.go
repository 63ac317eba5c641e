package commands

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/SpatiumPortae/dropzone/internal/client"
	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/SpatiumPortae/dropzone/internal/names"
	"github.com/SpatiumPortae/dropzone/internal/semver"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	relayFlagDesc = `Address of the rendezvous server, looked up on the local network when empty. Accepted formats:
  - 127.0.0.1:3001
  - [::1]:3001
  - somedomain.com
	`
	tuiStyleFlagDesc = "Style of the tui (rich|raw)"
)

var validate = validator.New()
var ErrInvalidAddress = errors.New("invalid address provided")

// validateAddress validates a hostname or IP, optionally with a port.
func validateAddress(addr string) error {

	// IPv4 and IPv6 address validation.
	err := validate.Var(addr, "ip")
	if err == nil {
		return nil
	}

	// IPv4 or IPv6 or domain or localhost.
	err = validate.Var(addr, "hostname")
	if err == nil {
		return nil
	}

	// IPv4 or domain or localhost and a port. Or just a shortand port (:1234).
	err = validate.Var(addr, "hostname_port")
	if err == nil {
		return nil
	}

	// Also validate IPv6 host + port combination. The hostname_port validator does not validate this.
	_, port, hostPortErr := net.SplitHostPort(addr)
	if hostPortErr != nil {
		return ErrInvalidAddress
	}
	// Additionally, validate the port range.
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return ErrInvalidAddress
	}
	return nil
}

// validateRelay accepts an empty relay, which means discovery on the local network.
func validateRelay() error {
	relay := viper.GetString("relay")
	if relay == "" {
		return nil
	}
	if err := validateAddress(relay); err != nil {
		return fmt.Errorf("%w: (%s) is not a valid relay address", err, relay)
	}
	return nil
}

// bindFlags binds the named flags of cmd to the viper keys, flag name -> key.
func bindFlags(cmd *cobra.Command, flags map[string]string) error {
	for flag, key := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding %s flag: %w", flag, err)
		}
	}
	return nil
}

// setupLoggingFromViper returns the logger of the command. In verbose mode logs
// are written to `.dropzone-<cmd>.log`, otherwise they are discarded.
func setupLoggingFromViper(cmd string) (*zap.Logger, func(), error) {
	if !viper.GetBool("verbose") {
		log.SetOutput(io.Discard)
		return zap.NewNop(), func() {}, nil
	}
	path := fmt.Sprintf(".dropzone-%s.log", cmd)
	f, err := tea.LogToFile(path, fmt.Sprintf("dropzone-%s: ", cmd))
	if err != nil {
		return nil, nil, fmt.Errorf("could not log to the provided file: %w", err)
	}
	lgr, err := logger.NewFile(path)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return lgr, func() {
		lgr.Sync() //nolint:errcheck
		f.Close()
	}, nil
}

// clientConfig builds the client configuration from viper.
func clientConfig(lgr *zap.Logger) (client.Config, error) {
	codec, err := transfer.CodecByName(viper.GetString("frame_codec"))
	if err != nil {
		return client.Config{}, err
	}
	name := strings.TrimSpace(viper.GetString("name"))
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			name = names.Fallback("dropzone")
		}
	}
	return client.Config{
		Addr:   viper.GetString("relay"),
		Name:   name,
		Codec:  codec,
		Links:  client.WebRTCLinks(viper.GetStringSlice("stun_servers"), lgr),
		Logger: lgr,
	}, nil
}

// checkVersion prints how the version relates to the one of the rendezvous
// server, failing on incompatible versions.
func checkVersion(w io.Writer, version string, c *client.Client) error {
	notice, err := semver.Check(version, c.ServerVersion())
	if err != nil {
		return err
	}
	if notice != "" {
		fmt.Fprintln(w, notice)
	}
	return nil
}
