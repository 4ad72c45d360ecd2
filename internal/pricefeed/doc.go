// Package pricefeed 定义价格源抽象及其 HTTP、静态与缓存实现。
//
// 订单轮询器按交易对批量取价，权限引擎在消费条件授权时也需要
// 新鲜的价格证据，两者都只依赖 Feed 接口，不感知具体数据来源。
package pricefeed
