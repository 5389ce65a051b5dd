package engine_test

import (
	"proxim8/internal/domain"
	"proxim8/internal/repo"
)

func repoFilters(agentID string, status domain.Status) repo.DeploymentFilters {
	return repo.DeploymentFilters{AgentID: agentID, Status: status}
}
