package coordinator

import (
	"time"

	"github.com/loomhq/loom/internal/cas"
	"github.com/loomhq/loom/internal/govern"
	"github.com/loomhq/loom/internal/models"
	"github.com/loomhq/loom/internal/store"
)

// EnsureArtifact returns the artifact attached to a task, creating it
// on first use. At most one artifact per task by convention.
func (s *Service) EnsureArtifact(caller models.Role, jobID, taskID, mimeType string) (*models.Artifact, error) {
	if err := govern.EnsureRole(caller, models.RolePlanner, models.RoleExecutor); err != nil {
		return nil, s.fail("artifact.ensure", taskID, err)
	}
	existing, err := s.artifacts.FindByTaskID(taskID)
	if err != nil {
		return nil, s.fail("artifact.ensure", taskID, err)
	}
	if existing != nil {
		return existing, nil
	}

	art, err := s.artifacts.Create(jobID, mimeType, taskID, nil)
	if err != nil {
		return nil, s.fail("artifact.ensure", taskID, err)
	}
	s.audit.Record("artifact.ensure", map[string]string{"task_id": taskID, "artifact_id": art.ID}, "success", taskID, "")
	return art, nil
}

// CommitResult persists a sub-task's output through the CAS, commits
// it as a new revision of the task's artifact, and records the content
// reference as the task's result.
func (s *Service) CommitResult(caller models.Role, networkID, taskID string, content []byte, message, author string, mode store.ResultMode) (*models.ArtifactRevision, string, error) {
	if err := govern.EnsureRole(caller, models.RoleExecutor); err != nil {
		return nil, "", s.fail("artifact.commit", taskID, err)
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, "", s.fail("artifact.commit", taskID, err)
	}
	if task == nil {
		return nil, "", s.fail("artifact.commit", taskID, govern.Errf(govern.CodeTaskNotFound, "task %s not found", taskID))
	}
	if task.NetworkID != networkID {
		return nil, "", s.fail("artifact.commit", taskID,
			govern.Errf(govern.CodeNetworkIDMismatch, "task %s belongs to network %s, not %s", taskID, task.NetworkID, networkID))
	}

	art, err := s.EnsureArtifact(caller, networkID, taskID, "text/markdown")
	if err != nil {
		return nil, "", err
	}

	hash, err := s.cas.Store(content, art.MimeType)
	if err != nil {
		return nil, "", s.fail("artifact.commit", taskID, err)
	}
	rev, err := s.artifacts.Commit(art.ID, hash, message, author, nil)
	if err != nil {
		return nil, "", s.fail("artifact.commit", taskID, err)
	}

	ref := cas.Ref(hash)
	if _, err := s.store.SaveResult(taskID, ref, mode, author); err != nil {
		return nil, "", s.fail("artifact.commit", taskID, err)
	}

	s.audit.Record("artifact.commit", map[string]string{"task_id": taskID, "revision": rev.ID, "ref": ref}, "success", taskID, "")
	return rev, ref, nil
}

// ResolveRef expands a short content reference to the stored bytes.
func (s *Service) ResolveRef(ref string) ([]byte, error) {
	hash, err := s.cas.ResolveRef(ref)
	if err != nil {
		return nil, err
	}
	return s.cas.Retrieve(hash)
}

// --- Directives ---

// RaiseDirective records an externally raised directive for a network.
// Any role may raise one.
func (s *Service) RaiseDirective(caller models.Role, networkID, directiveType, content, createdBy string) (*models.Directive, error) {
	d, err := s.store.CreateDirective(networkID, directiveType, content, createdBy)
	if err != nil {
		return nil, s.fail("directive.create", networkID, err)
	}
	s.audit.Record("directive.create", map[string]string{"network_id": networkID, "type": directiveType, "role": string(caller)}, "success", d.ID, "")
	return d, nil
}

// CheckDirectives returns a network's unresolved directives for the
// planner to act on.
func (s *Service) CheckDirectives(caller models.Role, networkID string) ([]models.Directive, error) {
	if err := govern.EnsureRole(caller, models.RolePlanner); err != nil {
		return nil, s.fail("directive.check", networkID, err)
	}
	return s.store.ListPendingDirectives(networkID)
}

// AcknowledgeDirective marks a directive as seen by the planner.
func (s *Service) AcknowledgeDirective(caller models.Role, directiveID string) error {
	return s.resolveDirective(caller, directiveID, models.DirectiveAcknowledged, "directive.acknowledge")
}

// ApplyDirective marks a directive as applied.
func (s *Service) ApplyDirective(caller models.Role, directiveID string) error {
	return s.resolveDirective(caller, directiveID, models.DirectiveApplied, "directive.apply")
}

// RejectDirective marks a directive as rejected.
func (s *Service) RejectDirective(caller models.Role, directiveID string) error {
	return s.resolveDirective(caller, directiveID, models.DirectiveRejected, "directive.reject")
}

func (s *Service) resolveDirective(caller models.Role, directiveID string, status models.DirectiveStatus, action string) error {
	if err := govern.EnsureRole(caller, models.RolePlanner); err != nil {
		return s.fail(action, directiveID, err)
	}
	if err := s.store.UpdateDirectiveStatus(directiveID, status); err != nil {
		return s.fail(action, directiveID, err)
	}
	s.audit.Record(action, map[string]string{"directive_id": directiveID}, "success", directiveID, "")
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
