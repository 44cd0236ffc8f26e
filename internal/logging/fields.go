package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// DownloadFields 提供请求 id/缓存 key/来源地址字段，供队列与 worker 日志复用。
func DownloadFields(id uint64, key, url string, worker int) logrus.Fields {
	fields := logrus.Fields{
		"request_id": id,
		"key":        key,
		"url":        url,
	}
	if worker > 0 {
		fields["worker"] = worker
	}
	return fields
}
