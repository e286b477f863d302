package jobmgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/jobmgr"
)

func TestOriginatingRequestValidateAccumulatesProblems(t *testing.T) {
	req := jobmgr.OriginatingRequest{
		RequestedCPUs:   -1,
		RequestedMemory: -5,
		ModelConfig: jobmgr.ModelRequest{
			Parameters: map[string]jobmgr.ModelParameter{
				"bad": {},
			},
		},
	}

	problems := req.Validate()
	assert.Len(t, problems, 5)
}

func TestOriginatingRequestValidatePasses(t *testing.T) {
	scalar := 1.5
	req := jobmgr.OriginatingRequest{
		Model:         "nwm",
		RequestedCPUs: 2,
		SessionSecret: "s",
		ModelConfig: jobmgr.ModelRequest{
			Parameters: map[string]jobmgr.ModelParameter{
				"x": {Scalar: &scalar},
			},
		},
	}
	assert.Empty(t, req.Validate())
}

func TestModelParameterRejectsBothScalarAndDistribution(t *testing.T) {
	scalar := 1.0
	p := jobmgr.ModelParameter{
		Scalar:       &scalar,
		Distribution: &jobmgr.Distribution{Min: 0, Max: 1, Type: "normal"},
	}
	assert.Error(t, p.Validate())
}

func TestDistributionRejectsInvertedBounds(t *testing.T) {
	p := jobmgr.ModelParameter{Distribution: &jobmgr.Distribution{Min: 5, Max: 1, Type: "normal"}}
	assert.Error(t, p.Validate())
}
