// Program chirp-node runs a standalone Chirp node that echoes back every
// message it receives.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	chirpnet "github.com/creachadair/chirpnet"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

type nodeFlags struct {
	Port       int    `flag:"port,default=2998,TCP port to listen on"`
	Timeout    float64 `flag:"timeout,default=5,Connect/write timeout in seconds"`
	ReuseTime  float64 `flag:"reuse-time,default=30,Remote idle reuse window in seconds"`
	Async      bool   `flag:"async,default=false,Use asynchronous (unacked) delivery instead of the synchronous default"`
	MaxSlots   int    `flag:"max-slots,default=16,Receive slot pool size per connection"`
	MaxMsgSize int    `flag:"max-msg-size,default=65536,Maximum accepted message size in bytes"`
	NoTLS      bool   `flag:"no-tls,default=true,Disable TLS entirely"`
	CertChain  string `flag:"cert-chain,Path to a PEM certificate chain"`
	DHParams   string `flag:"dh-params,Path to a PEM DH parameters file"`
	Echo       bool   `flag:"echo,default=true,Echo every received message back to its sender"`
}

func main() {
	var nf nodeFlags
	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	flax.MustBind(fs, &nf)

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run a standalone Chirp node.",
		Run: func(env *command.Env) error {
			if err := fs.Parse(env.Args); err != nil {
				return err
			}
			return runNode(nf)
		},
		Commands: []*command.C{
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runNode(nf nodeFlags) error {
	cfg := chirpnet.Config{
		PORT:               uint16(nf.Port),
		TIMEOUT:            nf.Timeout,
		REUSE_TIME:         nf.ReuseTime,
		ASYNC:              nf.Async,
		MAX_SLOTS:          uint8(nf.MaxSlots),
		MAX_MSG_SIZE:       uint32(nf.MaxMsgSize),
		DISABLE_ENCRYPTION: nf.NoTLS,
		CERT_CHAIN_PEM:     nf.CertChain,
		DH_PARAMS_PEM:      nf.DHParams,
	}
	n, err := chirpnet.NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	n.SetLogCallback(func(msg string) { log.Print(msg) })

	if nf.Echo {
		n.SetRecvCallback(func(m *chirpnet.Message) {
			defer n.ReleaseMsgSlot(m)
			reply := m.Reply(m.Data())
			n.Send(reply, func(err error) {
				if err != nil {
					log.Printf("echo reply failed: %v", err)
				}
			})
		})
	}

	log.Printf("chirp-node listening on :%d identity=%x", nf.Port, n.GetIdentity())
	return n.Run()
}
