package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	awsclient "github.com/videoproc-hackathon/provisioner/internal/aws"
	"github.com/videoproc-hackathon/provisioner/internal/config"
	"github.com/videoproc-hackathon/provisioner/internal/engine"
	"github.com/videoproc-hackathon/provisioner/internal/logging"
	"github.com/videoproc-hackathon/provisioner/internal/state"
)

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	profile    string
	region     string
	logLevel   string
}

func (f *commonFlags) register(register func(p *string, name, shorthand, value, usage string)) {
	register(&f.configPath, "config", "c", "stack.yaml", "stack manifest to converge")
	register(&f.profile, "profile", "p", "", "AWS profile to use")
	register(&f.region, "region", "r", "", "AWS region to use")
	register(&f.logLevel, "log-level", "l", "info", "log level (trace|debug|info|warn|error)")
}

// setup loads the manifest and wires the engine against live AWS clients.
// The caller owns the returned store and must close it.
func setup(ctx context.Context, flags commonFlags) (*engine.Engine, *state.Store, zerolog.Logger, error) {
	log := logging.Init(flags.logLevel)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, log, fmt.Errorf("loading manifest: %w", err)
	}
	cfg.Merge(flags.profile, flags.region)

	client, err := awsclient.NewServiceClient(ctx, cfg.Profile, cfg.Region)
	if err != nil {
		return nil, nil, log, fmt.Errorf("initializing AWS client: %w", err)
	}

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return nil, nil, log, err
	}

	eng := engine.New(cfg, engine.Clients{
		Network: client.VPC,
		Groups:  client.SG,
		Gateway: client.ELB,
		Tasks:   client.ECS,
		Nodes:   client.EKS,
		Roles:   client.IAM,
		Images:  client.ECR,
		Buckets: client.S3,
		Logs:    client.Logs,
	}, store, log)

	return eng, store, log, nil
}
