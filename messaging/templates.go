package messaging

import (
	"context"
	"strings"

	"agencyflow/action"
	"agencyflow/auth"
	"agencyflow/revalidate"
)

func (s *Service) CreateTemplate(ctx context.Context, session auth.Session, req TemplateRequest) (Template, error) {
	if err := action.Validate(req); err != nil {
		return Template{}, err
	}
	if req.Global && session.Role != auth.RoleAdmin {
		return Template{}, ErrGlobalTemplate
	}
	t := Template{
		OrganizationID: session.OrganizationID,
		Name:           strings.TrimSpace(req.Name),
		Subject:        req.Subject,
		Body:           req.Body,
		Category:       req.Category,
	}
	if !req.Global {
		owner := session.AgentID
		t.AgentID = &owner
	}
	created, err := s.repo.CreateTemplate(ctx, t)
	if err != nil {
		return Template{}, err
	}
	s.invalidateTemplates(ctx)
	return created, nil
}

func (s *Service) GetTemplate(ctx context.Context, session auth.Session, id string) (Template, error) {
	return s.visibleTemplate(ctx, session, id)
}

func (s *Service) ListTemplates(ctx context.Context, session auth.Session) ([]Template, error) {
	return s.repo.ListTemplates(ctx, session.OrganizationID, session.AgentID)
}

func (s *Service) UpdateTemplate(ctx context.Context, session auth.Session, id string, upd TemplateUpdate) (Template, error) {
	if err := action.Validate(upd); err != nil {
		return Template{}, err
	}
	if err := s.authorizeTemplateEdit(ctx, session, id); err != nil {
		return Template{}, err
	}
	t, err := s.repo.UpdateTemplate(ctx, id, upd)
	if err != nil {
		return Template{}, err
	}
	s.invalidateTemplates(ctx)
	return t, nil
}

func (s *Service) DeleteTemplate(ctx context.Context, session auth.Session, id string) error {
	if err := s.authorizeTemplateEdit(ctx, session, id); err != nil {
		return err
	}
	if err := s.repo.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	s.invalidateTemplates(ctx)
	return nil
}

// Render resolves a template's merge fields for one prospect.
func (s *Service) Render(ctx context.Context, session auth.Session, templateID, prospectID string) (Rendered, error) {
	if err := action.CheckFilterID("prospectId", prospectID); err != nil {
		return Rendered{}, err
	}
	t, err := s.visibleTemplate(ctx, session, templateID)
	if err != nil {
		return Rendered{}, err
	}
	rc, err := s.resolve(ctx, session, &prospectID, nil)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{
		TemplateID: t.ID,
		Subject:    Merge(t.Subject, rc.merge),
		Body:       Merge(t.Body, rc.merge),
	}, nil
}

func (s *Service) visibleTemplate(ctx context.Context, session auth.Session, id string) (Template, error) {
	t, err := s.repo.GetTemplate(ctx, session.OrganizationID, id)
	if err != nil {
		return Template{}, err
	}
	if !t.VisibleTo(session.AgentID) {
		return Template{}, ErrTemplateNotFound
	}
	return t, nil
}

func (s *Service) authorizeTemplateEdit(ctx context.Context, session auth.Session, id string) error {
	t, err := s.visibleTemplate(ctx, session, id)
	if err != nil {
		return err
	}
	if t.AgentID == nil && session.Role != auth.RoleAdmin {
		return ErrGlobalTemplate
	}
	return nil
}

func (s *Service) invalidateTemplates(ctx context.Context) {
	revalidate.Run(ctx, s.revalidator, revalidate.RouteTemplates)
}
