package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/node"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/shared"
)

// NodeStopper 删除订阅前停掉其运行中的节点。
type NodeStopper interface {
	StopNode(ctx context.Context, nodeID string) error
	IsRunning(nodeID string) bool
}

// Service 订阅服务：下载、解析、节点替换与删除编排
type Service struct {
	subs    repository.SubscriptionRepository
	nodes   repository.NodeRepository
	client  *http.Client
	stopper NodeStopper
}

func NewService(subs repository.SubscriptionRepository, nodes repository.NodeRepository, stopper NodeStopper) *Service {
	return &Service{
		subs:    subs,
		nodes:   nodes,
		client:  shared.HTTPClientDirect,
		stopper: stopper,
	}
}

// SetHTTPClient 替换下载客户端（测试用）。
func (s *Service) SetHTTPClient(client *http.Client) {
	if client != nil {
		s.client = client
	}
}

// ========== CRUD 操作 ==========

func (s *Service) List(ctx context.Context) ([]domain.Subscription, error) {
	return s.subs.List(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Subscription, error) {
	return s.subs.Get(ctx, id)
}

// Create 创建订阅并立即刷新一次。刷新失败不阻止创建，错误记录在订阅上。
func (s *Service) Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	if sub.AutoUpdateInterval == 0 {
		sub.AutoUpdateInterval = shared.DefaultSubscriptionSyncInterval
	}
	created, err := s.subs.Create(ctx, sub)
	if err != nil {
		return domain.Subscription{}, err
	}

	if created.URL != "" {
		if err := s.Refresh(ctx, created.ID); err != nil {
			log.Printf("[subscription] 创建后首次刷新失败 %s: %v", created.ID, err)
		}
		if refreshed, getErr := s.subs.Get(ctx, created.ID); getErr == nil {
			created = refreshed
		}
	}
	return created, nil
}

func (s *Service) Update(ctx context.Context, id string, sub domain.Subscription) (domain.Subscription, error) {
	return s.subs.Update(ctx, id, sub)
}

// Delete 删除订阅：先停掉其运行中的节点，再清空节点，最后删除订阅本身。
func (s *Service) Delete(ctx context.Context, id string) error {
	owned, err := s.nodes.ListBySubscriptionID(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return err
	}
	for _, n := range owned {
		if s.stopper != nil && s.stopper.IsRunning(n.ID) {
			if err := s.stopper.StopNode(ctx, n.ID); err != nil {
				return fmt.Errorf("stop node %s before delete: %w", n.ID, err)
			}
		}
	}
	if _, err := s.nodes.ReplaceNodesForSubscription(ctx, id, domain.ClearNodes); err != nil {
		return err
	}
	return s.subs.Delete(ctx, id)
}

// ========== 刷新 ==========

// Refresh 下载并重新解析订阅。下载失败或解析为空时保留现有节点。
func (s *Service) Refresh(ctx context.Context, id string) error {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.URL == "" {
		return nil
	}

	s.progress(ctx, id, domain.SyncProgress{Stage: domain.SyncFetching})

	payload, checksum, err := s.download(ctx, sub.URL)
	if err != nil {
		s.progress(ctx, id, domain.SyncProgress{Stage: domain.SyncError, Message: err.Error()})
		if updateErr := s.subs.UpdateSyncStatus(ctx, id, sub.Checksum, err); updateErr != nil {
			log.Printf("[subscription] 记录下载失败状态失败 %s: %v", id, updateErr)
		}
		return err
	}

	// 内容未变化时跳过重解析。仅在已有节点时生效，避免首次刷新被误跳过。
	if checksum != "" && checksum == sub.Checksum {
		if owned, err := s.nodes.ListBySubscriptionID(ctx, id); err == nil && len(owned) > 0 {
			if err := s.subs.UpdateSyncStatus(ctx, id, checksum, nil); err != nil {
				log.Printf("[subscription] 记录刷新成功状态失败 %s: %v", id, err)
			}
			s.progress(ctx, id, domain.SyncProgress{Stage: domain.SyncDone, NodeCount: len(owned)})
			return nil
		}
	}

	s.progress(ctx, id, domain.SyncProgress{Stage: domain.SyncDecoding})

	parsed, parseErrs := node.ParsePayload(payload)
	s.progress(ctx, id, domain.SyncProgress{
		Stage:        domain.SyncParsing,
		NodeCount:    len(parsed),
		DecodeErrors: len(parseErrs),
	})
	if len(parseErrs) > 0 {
		log.Printf("[subscription] 订阅 %s 有 %d 条无法解析的记录", id, len(parseErrs))
	}

	if len(parsed) == 0 {
		// 非空 payload 解析不到节点：多半是 HTML 错误页或不支持的格式。
		// 保留旧节点，避免一次坏响应清空用户数据。
		perr := &parseError{subscriptionID: id, message: "订阅内容无法解析为节点；已保留现有节点"}
		s.progress(ctx, id, domain.SyncProgress{Stage: domain.SyncError, Message: perr.message})
		if updateErr := s.subs.UpdateSyncStatus(ctx, id, checksum, perr); updateErr != nil {
			log.Printf("[subscription] 记录解析失败状态失败 %s: %v", id, updateErr)
		}
		return fmt.Errorf("%w: %s", ErrEmptyResult, sub.URL)
	}

	for i := range parsed {
		parsed[i].SubscriptionID = id
	}
	if err := s.stopRemovedNodes(ctx, id, parsed); err != nil {
		s.progress(ctx, id, domain.SyncProgress{Stage: domain.SyncError, Message: err.Error()})
		return err
	}
	if _, err := s.nodes.ReplaceNodesForSubscription(ctx, id, parsed); err != nil {
		s.progress(ctx, id, domain.SyncProgress{Stage: domain.SyncError, Message: err.Error()})
		return err
	}

	if err := s.subs.UpdateSyncStatus(ctx, id, checksum, nil); err != nil {
		log.Printf("[subscription] 记录刷新成功状态失败 %s: %v", id, err)
	}
	s.progress(ctx, id, domain.SyncProgress{
		Stage:        domain.SyncDone,
		NodeCount:    len(parsed),
		DecodeErrors: len(parseErrs),
	})
	return nil
}

// RefreshAll 刷新到期的订阅（按各自的 AutoUpdateInterval）。
func (s *Service) RefreshAll(ctx context.Context) {
	subs, err := s.subs.List(ctx)
	if err != nil {
		return
	}
	for _, sub := range subs {
		if sub.URL == "" || sub.AutoUpdateInterval <= 0 {
			continue
		}
		if time.Since(sub.LastSyncedAt) < sub.AutoUpdateInterval {
			continue
		}
		if err := s.Refresh(ctx, sub.ID); err != nil {
			log.Printf("[subscription] 自动刷新失败 %s: %v", sub.ID, err)
		}
	}
}

// ImportLinks 直接导入分享链接文本（手动粘贴，无 URL 的订阅）。
func (s *Service) ImportLinks(ctx context.Context, id string, payload string) (int, error) {
	if _, err := s.subs.Get(ctx, id); err != nil {
		return 0, err
	}
	if strings.TrimSpace(payload) == "" {
		return 0, fmt.Errorf("%w: empty payload", ErrEmptyResult)
	}

	parsed, parseErrs := node.ParsePayload(payload)
	if len(parsed) == 0 {
		return 0, fmt.Errorf("%w: no parsable links", ErrEmptyResult)
	}
	if len(parseErrs) > 0 {
		log.Printf("[subscription] 导入 %s 时有 %d 条无法解析的记录", id, len(parseErrs))
	}

	for i := range parsed {
		parsed[i].SubscriptionID = id
	}
	if err := s.stopRemovedNodes(ctx, id, parsed); err != nil {
		return 0, err
	}
	if _, err := s.nodes.ReplaceNodesForSubscription(ctx, id, parsed); err != nil {
		return 0, err
	}
	if err := s.subs.UpdateSyncStatus(ctx, id, "", nil); err != nil {
		log.Printf("[subscription] 记录导入状态失败 %s: %v", id, err)
	}
	return len(parsed), nil
}

// ========== 内部方法 ==========

// stopRemovedNodes 在替换节点前，停掉上游已不再提供的运行中节点。
// 替换会删除它们的记录，若不先停止，进程与端口租约就无人回收。
func (s *Service) stopRemovedNodes(ctx context.Context, id string, parsed []domain.Node) error {
	if s.stopper == nil {
		return nil
	}
	owned, err := s.nodes.ListBySubscriptionID(ctx, id)
	if err != nil || len(owned) == 0 {
		return nil
	}

	// 解析结果尚未入库，按稳定 ID 对齐（改名不影响 ID）
	keep := make(map[string]struct{}, len(parsed))
	for _, p := range parsed {
		nid := p.ID
		if nid == "" {
			nid = domain.StableNodeID(id, p)
		}
		keep[nid] = struct{}{}
	}

	for _, n := range owned {
		if _, kept := keep[n.ID]; kept {
			continue
		}
		if !s.stopper.IsRunning(n.ID) {
			continue
		}
		if err := s.stopper.StopNode(ctx, n.ID); err != nil {
			return fmt.Errorf("stop removed node %s: %w", n.ID, err)
		}
	}
	return nil
}

func (s *Service) progress(ctx context.Context, id string, p domain.SyncProgress) {
	if err := s.subs.UpdateProgress(ctx, id, p); err != nil {
		log.Printf("[subscription] 更新进度失败 %s: %v", id, err)
	}
}

func (s *Service) download(ctx context.Context, sourceURL string) (payload, checksum string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", "", &NetworkError{URL: sourceURL, Cause: err}
	}
	req.Header.Set("User-Agent", shared.SubscriptionUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", &NetworkError{URL: sourceURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", &NetworkError{URL: sourceURL, Status: resp.StatusCode}
	}

	limitedReader := io.LimitReader(resp.Body, shared.MaxDownloadSize)
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return "", "", &NetworkError{URL: sourceURL, Cause: err}
	}

	hash := sha256.Sum256(data)
	return string(data), hex.EncodeToString(hash[:]), nil
}
