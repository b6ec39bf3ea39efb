// Package topo provides MongoDB deployment helpers: client construction and
// the server probes the initial sync needs before it starts.
package topo

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/percona/percona-initialsync-mongodb/config"
	"github.com/percona/percona-initialsync-mongodb/errors"
)

const appName = "pims"

// Connect creates a MongoDB client for the given URI and verifies the
// connection with a ping.
func Connect(ctx context.Context, uri string, cfg *config.Config) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetConnectTimeout(config.ConnectTimeout)

	if cfg != nil && cfg.MongoDB.OperationTimeout > 0 {
		opts.SetTimeout(cfg.MongoDB.OperationTimeout)
	} else {
		opts.SetTimeout(config.DefaultMongoDBOperationTimeout)
	}

	if cfg != nil && len(cfg.MongoDB.Compressors) != 0 {
		opts.SetCompressors(cfg.MongoDB.Compressors)
	}

	m, err := mongo.Connect(opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	err = m.Ping(ctx, readpref.Primary())
	if err != nil {
		_ = m.Disconnect(context.Background())

		return nil, errors.Wrap(err, "ping")
	}

	return m, nil
}

// ServerVersion is a parsed MongoDB server version.
type ServerVersion struct {
	Major   int
	Minor   int
	Patch   int
	Version string
}

func (v ServerVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v ServerVersion) FullString() string {
	return v.Version
}

// Version returns the server version via buildInfo.
func Version(ctx context.Context, m *mongo.Client) (ServerVersion, error) {
	var res struct {
		Version      string  `bson:"version"`
		VersionArray []int32 `bson:"versionArray"`
	}

	err := m.Database("admin").
		RunCommand(ctx, bson.D{{"buildInfo", 1}}).
		Decode(&res)
	if err != nil {
		return ServerVersion{}, errors.Wrap(err, "buildInfo")
	}

	v := ServerVersion{Version: res.Version}
	if len(res.VersionArray) >= 3 { //nolint:mnd
		v.Major = int(res.VersionArray[0])
		v.Minor = int(res.VersionArray[1])
		v.Patch = int(res.VersionArray[2])
	}

	return v, nil
}

// FCV returns the server's featureCompatibilityVersion.
func FCV(ctx context.Context, m *mongo.Client) (string, error) {
	var res struct {
		FCV struct {
			Version string `bson:"version"`
		} `bson:"featureCompatibilityVersion"`
	}

	err := m.Database("admin").
		RunCommand(ctx, bson.D{
			{"getParameter", 1},
			{"featureCompatibilityVersion", 1},
		}).
		Decode(&res)
	if err != nil {
		return "", errors.Wrap(err, "getParameter featureCompatibilityVersion")
	}

	return res.FCV.Version, nil
}

// RollbackID returns the replica-set rollback id, or 0 when the server does
// not run as a replica-set member.
func RollbackID(ctx context.Context, m *mongo.Client) (int, error) {
	var res struct {
		RBID int32 `bson:"rbid"`
	}

	err := m.Database("admin").
		RunCommand(ctx, bson.D{{"replSetGetRBID", 1}}).
		Decode(&res)
	if err != nil {
		var se mongo.ServerError
		if errors.As(err, &se) && !IsNetworkError(err) {
			return 0, nil // standalone deployment
		}

		return 0, errors.Wrap(err, "replSetGetRBID")
	}

	return int(res.RBID), nil
}

// Hosts returns a printable host list from a MongoDB URI, without
// credentials.
func Hosts(uri string) string {
	rest, found := strings.CutPrefix(uri, "mongodb://")
	if !found {
		rest, found = strings.CutPrefix(uri, "mongodb+srv://")
		if !found {
			return uri
		}
	}

	if at := strings.LastIndexByte(rest, '@'); at != -1 {
		rest = rest[at+1:]
	}

	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		rest = rest[:slash]
	}

	return rest
}
